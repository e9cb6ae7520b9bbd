package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/pause"
	"github.com/alanyoungcy/cfoagent/internal/scheduler"
)

// Cycles runs decision cycles on demand and lists past ones.
type Cycles interface {
	RunCycle(ctx context.Context) (domain.CycleRecord, error)
}

// CycleHistory lists recent audit records.
type CycleHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.CycleRecord, error)
}

// Pauser controls the emergency pause.
type Pauser interface {
	Pause(ctx context.Context, reason string) (time.Time, error)
	EmergencyExit(ctx context.Context, reason string) (pause.ExitReport, error)
	Resume(ctx context.Context, reason string) error
}

// ControlHandler serves the cycle and pause endpoints.
type ControlHandler struct {
	cycles  Cycles
	history CycleHistory
	pauser  Pauser
	logger  *slog.Logger
}

func NewControlHandler(cycles Cycles, history CycleHistory, pauser Pauser, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{cycles: cycles, history: history, pauser: pauser, logger: logger}
}

// RunCycle runs one decision cycle synchronously. A cycle skipped because
// another holds the lock answers 409.
// POST /api/cycle
func (h *ControlHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cycles.RunCycle(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if rec.TraceID == scheduler.SkippedTraceID {
		status = http.StatusConflict
	}
	writeJSON(w, status, rec)
}

// ListCycles GET /api/cycles?limit=20
func (h *ControlHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	recs, err := h.history.ListRecent(r.Context(), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list cycles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	if recs == nil {
		recs = []domain.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": recs})
}

// Pause stops new decisions without exiting positions. With ?exit=true it
// runs the emergency exit across every venue first.
// POST /api/pause {"reason": "..."}
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(r, "operator pause")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if r.URL.Query().Get("exit") == "true" {
		report, err := h.pauser.EmergencyExit(r.Context(), reason)
		body := map[string]any{"paused": true, "report": report}
		if err != nil {
			body["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	until, err := h.pauser.Pause(r.Context(), reason)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true, "until": until})
}

// Resume POST /api/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(r, "operator resume")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.pauser.Resume(r.Context(), reason); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}
