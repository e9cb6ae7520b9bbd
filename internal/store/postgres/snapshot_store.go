package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Upsert writes the snapshot for its date, replacing any earlier version.
func (s *SnapshotStore) Upsert(ctx context.Context, snap domain.DailySnapshot) error {
	breakdown, err := json.Marshal(snap.Breakdown)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot breakdown %s: %w", snap.Date, err)
	}
	revenue, err := json.Marshal(snap.Revenue)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot revenue %s: %w", snap.Date, err)
	}

	const query = `
		INSERT INTO daily_snapshots (
			date, total_value_usd, breakdown, realized_pnl_usd,
			unrealized_pnl_usd, revenue, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			total_value_usd    = EXCLUDED.total_value_usd,
			breakdown          = EXCLUDED.breakdown,
			realized_pnl_usd   = EXCLUDED.realized_pnl_usd,
			unrealized_pnl_usd = EXCLUDED.unrealized_pnl_usd,
			revenue            = EXCLUDED.revenue,
			updated_at         = EXCLUDED.updated_at`

	date, err := time.Parse("2006-01-02", snap.Date)
	if err != nil {
		return fmt.Errorf("postgres: snapshot date %q: %w", snap.Date, err)
	}
	if _, err := s.pool.Exec(ctx, query,
		date, snap.TotalValueUSD, breakdown, snap.RealizedPnLUSD,
		snap.UnrealizedPnLUSD, revenue, snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert snapshot %s: %w", snap.Date, err)
	}
	return nil
}

// Get returns the snapshot for date (YYYY-MM-DD).
func (s *SnapshotStore) Get(ctx context.Context, date string) (domain.DailySnapshot, error) {
	const query = `
		SELECT total_value_usd, breakdown, realized_pnl_usd, unrealized_pnl_usd, revenue, updated_at
		FROM daily_snapshots WHERE date = $1`

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("postgres: snapshot date %q: %w", date, err)
	}

	snap := domain.DailySnapshot{Date: date}
	var breakdown, revenue []byte
	err = s.pool.QueryRow(ctx, query, day).Scan(
		&snap.TotalValueUSD, &breakdown, &snap.RealizedPnLUSD,
		&snap.UnrealizedPnLUSD, &revenue, &snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DailySnapshot{}, domain.ErrNotFound
		}
		return domain.DailySnapshot{}, fmt.Errorf("postgres: get snapshot %s: %w", date, err)
	}
	if err := json.Unmarshal(breakdown, &snap.Breakdown); err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("postgres: unmarshal snapshot breakdown %s: %w", date, err)
	}
	if err := json.Unmarshal(revenue, &snap.Revenue); err != nil {
		return domain.DailySnapshot{}, fmt.Errorf("postgres: unmarshal snapshot revenue %s: %w", date, err)
	}
	return snap, nil
}
