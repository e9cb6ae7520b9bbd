package app

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/cfoagent/internal/config"
	"github.com/alanyoungcy/cfoagent/internal/server/handler"
)

// agentStatus assembles the operator status view. It serves GET /api/status,
// status_request bus commands and heartbeats.
type agentStatus struct {
	cfg  *config.Config
	deps *Dependencies
}

var _ handler.StatusProvider = (*agentStatus)(nil)

func (s *agentStatus) Status(ctx context.Context) (handler.Status, error) {
	portfolio, err := s.deps.Ledger.PortfolioState(ctx)
	if err != nil {
		return handler.Status{}, fmt.Errorf("app: status: %w", err)
	}
	st := handler.Status{
		AgentID:          s.cfg.Agent.ID,
		Mode:             s.cfg.Mode,
		DryRun:           s.cfg.Agent.DryRun,
		StartedAt:        s.deps.StartedAt,
		Paused:           s.deps.Pause.Paused(),
		PauseReason:      s.deps.Pause.Reason(),
		PendingApprovals: len(s.deps.Approvals.Pending()),
		PendingOrders:    s.deps.Tracker.Len(),
		Portfolio:        portfolio,
		Venues:           s.deps.Venues.List(),
	}
	if until := s.deps.Pause.Until(); !until.IsZero() {
		st.PausedUntil = &until
	}
	recent, err := s.deps.Cycles.ListRecent(ctx, 1)
	if err != nil {
		return handler.Status{}, fmt.Errorf("app: status: last cycle: %w", err)
	}
	if len(recent) > 0 {
		st.LastCycle = &recent[0]
	}
	return st, nil
}

// heartbeat is the compact status carried by bus heartbeats.
type heartbeat struct {
	Paused           bool    `json:"paused"`
	PendingApprovals int     `json:"pending_approvals"`
	PendingOrders    int     `json:"pending_orders"`
	TotalValueUSD    float64 `json:"total_value_usd"`
}

func (s *agentStatus) heartbeat(ctx context.Context) any {
	hb := heartbeat{
		Paused:           s.deps.Pause.Paused(),
		PendingApprovals: len(s.deps.Approvals.Pending()),
		PendingOrders:    s.deps.Tracker.Len(),
	}
	if portfolio, err := s.deps.Ledger.PortfolioState(ctx); err == nil {
		hb.TotalValueUSD = portfolio.TotalValueUSD
	}
	return hb
}
