package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/venue"
)

// Status is the agent overview returned by GET /api/status.
type Status struct {
	AgentID          string                `json:"agent_id"`
	Mode             string                `json:"mode"`
	DryRun           bool                  `json:"dry_run"`
	StartedAt        time.Time             `json:"started_at"`
	Paused           bool                  `json:"paused"`
	PausedUntil      *time.Time            `json:"paused_until,omitempty"`
	PauseReason      string                `json:"pause_reason,omitempty"`
	PendingApprovals int                   `json:"pending_approvals"`
	PendingOrders    int                   `json:"pending_orders"`
	Portfolio        domain.PortfolioState `json:"portfolio"`
	Venues           []venue.Info          `json:"venues"`
	LastCycle        *domain.CycleRecord   `json:"last_cycle,omitempty"`
}

// StatusProvider assembles the current Status.
type StatusProvider interface {
	Status(ctx context.Context) (Status, error)
}

type StatusHandler struct {
	provider StatusProvider
	logger   *slog.Logger
}

func NewStatusHandler(provider StatusProvider, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{provider: provider, logger: logger}
}

// GetStatus GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.provider.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to build status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
