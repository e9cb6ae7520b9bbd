package domain

import (
	"context"
	"time"
)

// PortfolioState is the producer's view of the book at the start of a cycle.
type PortfolioState struct {
	AsOf             time.Time            `json:"as_of"`
	OpenPositions    []Position           `json:"open_positions"`
	TotalValueUSD    float64              `json:"total_value_usd"`
	UnrealizedPnLUSD float64              `json:"unrealized_pnl_usd"`
	Breakdown        map[Strategy]float64 `json:"breakdown"`
	PendingApprovals int                  `json:"pending_approvals"`
	Paused           bool                 `json:"paused"`
}

// Intel is the external market context fed to the producer.
type Intel struct {
	Signals    map[string]any `json:"signals,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// DecisionProducer turns portfolio state and intel into decisions. It must
// not execute anything.
type DecisionProducer interface {
	Produce(ctx context.Context, state PortfolioState, intel Intel) ([]Decision, error)
}

// IntelSource supplies the latest intel for a cycle.
type IntelSource interface {
	Latest(ctx context.Context) (Intel, error)
}

// CycleRecord is the immutable audit entry written for every decision cycle.
type CycleRecord struct {
	TraceID    string            `json:"trace_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	State      PortfolioState    `json:"state"`
	Intel      Intel             `json:"intel"`
	Decisions  []Decision        `json:"decisions"`
	Results    []ExecutionResult `json:"results"`
	Degraded   bool              `json:"degraded"`
	DryRun     bool              `json:"dry_run"`
	Error      string            `json:"error,omitempty"`
	Report     string            `json:"report,omitempty"`
}
