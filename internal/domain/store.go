package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Close and Reduce must fail with
// ErrAlreadyClosed when the row is already terminal and leave it untouched.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetByExternalID(ctx context.Context, strategy Strategy, externalID string) (Position, error)
	ListOpen(ctx context.Context, strategy Strategy) ([]Position, error)
	ListClosedSince(ctx context.Context, since time.Time) ([]Position, error)
	Close(ctx context.Context, id string, c PositionClose) error
	Reduce(ctx context.Context, id string, r PositionReduce) error
	Reopen(ctx context.Context, id string, u PriceUpdate) error
	UpdatePrice(ctx context.Context, id string, u PriceUpdate) error
	SetMetadata(ctx context.Context, id string, metadata map[string]any, at time.Time) error
}

// TransactionStore persists the append-only transaction log. Insert reports
// false without error when a row with the same id already exists.
type TransactionStore interface {
	Insert(ctx context.Context, tx Transaction) (bool, error)
	ListRecent(ctx context.Context, limit int) ([]Transaction, error)
	ListSince(ctx context.Context, since time.Time) ([]Transaction, error)
}

// SnapshotStore persists daily snapshots keyed by date.
type SnapshotStore interface {
	Upsert(ctx context.Context, snap DailySnapshot) error
	Get(ctx context.Context, date string) (DailySnapshot, error)
}

// AgentStateStore persists the agent's restart blob. Load returns
// ErrNotFound on first boot.
type AgentStateStore interface {
	Load(ctx context.Context, agentID string) ([]byte, error)
	Save(ctx context.Context, agentID string, blob []byte) error
}

// CycleStore persists the decision-cycle audit trail.
type CycleStore interface {
	Append(ctx context.Context, rec CycleRecord) error
	ListRecent(ctx context.Context, limit int) ([]CycleRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]CycleRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Notifier delivers operator-facing notifications filtered by event.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
