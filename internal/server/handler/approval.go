package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Approvals is the operator side of the approval workflow.
type Approvals interface {
	Pending() []domain.PendingApproval
	Approve(ctx context.Context, id int64) (domain.ExecutionResult, error)
	Reject(ctx context.Context, id int64, reason string) error
}

type ApprovalHandler struct {
	approvals Approvals
	logger    *slog.Logger
}

func NewApprovalHandler(approvals Approvals, logger *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, logger: logger}
}

// List GET /api/approvals
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	pending := h.approvals.Pending()
	if pending == nil {
		pending = []domain.PendingApproval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// Approve executes the pending decision and returns its result. A
// non-replayable approval answers 409 with the result attached.
// POST /api/approvals/{id}/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	res, err := h.approvals.Approve(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: approve failed",
			slog.Int64("approval_id", id),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrNotReplayable) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "result": res})
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reject POST /api/approvals/{id}/reject {"reason": "..."}
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	reason, err := decodeReason(r, "rejected by operator")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.approvals.Reject(r.Context(), id, reason); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "rejected": true})
}
