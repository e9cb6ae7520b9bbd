package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// CycleStore implements domain.CycleStore using PostgreSQL. The full record
// is kept as JSONB next to a few indexed columns.
type CycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a new CycleStore backed by the given connection pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

// Append writes an immutable cycle record. Re-appending a trace id is a no-op.
func (s *CycleStore) Append(ctx context.Context, rec domain.CycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle %s: %w", rec.TraceID, err)
	}

	const query = `
		INSERT INTO decision_cycles (trace_id, started_at, finished_at, degraded, dry_run, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trace_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query,
		rec.TraceID, rec.StartedAt, rec.FinishedAt, rec.Degraded, rec.DryRun, data,
	); err != nil {
		return fmt.Errorf("postgres: append cycle %s: %w", rec.TraceID, err)
	}
	return nil
}

// ListRecent returns the newest cycle records first.
func (s *CycleStore) ListRecent(ctx context.Context, limit int) ([]domain.CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM decision_cycles ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent cycles: %w", err)
	}
	defer rows.Close()
	return scanCycleRows(rows)
}

// ListBefore returns up to limit records started before the cutoff, oldest
// first, for archiving.
func (s *CycleStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CycleRecord, error) {
	query := `SELECT record FROM decision_cycles WHERE started_at < $1 ORDER BY started_at ASC`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles before: %w", err)
	}
	defer rows.Close()
	return scanCycleRows(rows)
}

// DeleteBefore removes records started before the cutoff and returns the count.
func (s *CycleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM decision_cycles WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycles before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCycleRows(rows pgx.Rows) ([]domain.CycleRecord, error) {
	var out []domain.CycleRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle: %w", err)
		}
		var rec domain.CycleRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal cycle: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cycles rows: %w", err)
	}
	return out, nil
}
