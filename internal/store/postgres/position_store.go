package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy, asset, description, chain, status,
	entry_price, current_price, size_units, cost_basis_usd, current_value_usd,
	realized_pnl_usd, unrealized_pnl_usd, entry_tx_id, exit_tx_id,
	COALESCE(external_id, ''), metadata, opened_at, closed_at, updated_at`

// terminalStatuses is interpolated into WHERE clauses guarding closed rows.
const terminalStatuses = `('CLOSED', 'STOP_HIT', 'EXPIRED')`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var strategy, status string
	var metadata []byte

	err := row.Scan(
		&p.ID, &strategy, &p.Asset, &p.Description, &p.Chain, &status,
		&p.EntryPrice, &p.CurrentPrice, &p.SizeUnits, &p.CostBasisUSD, &p.CurrentValueUSD,
		&p.RealizedPnLUSD, &p.UnrealizedPnLUSD, &p.EntryTxID, &p.ExitTxID,
		&p.ExternalID, &metadata, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Strategy = domain.Strategy(strategy)
	p.Status = domain.PositionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Upsert inserts a position or replaces the mutable fields of an existing
// one. Closed rows are never overwritten.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal position metadata %s: %w", p.ID, err)
	}

	query := `
		INSERT INTO positions (
			id, strategy, asset, description, chain, status,
			entry_price, current_price, size_units, cost_basis_usd, current_value_usd,
			realized_pnl_usd, unrealized_pnl_usd, entry_tx_id, exit_tx_id,
			external_id, metadata, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			asset              = EXCLUDED.asset,
			description        = EXCLUDED.description,
			chain              = EXCLUDED.chain,
			status             = EXCLUDED.status,
			entry_price        = EXCLUDED.entry_price,
			current_price      = EXCLUDED.current_price,
			size_units         = EXCLUDED.size_units,
			cost_basis_usd     = EXCLUDED.cost_basis_usd,
			current_value_usd  = EXCLUDED.current_value_usd,
			unrealized_pnl_usd = EXCLUDED.unrealized_pnl_usd,
			entry_tx_id        = EXCLUDED.entry_tx_id,
			external_id        = EXCLUDED.external_id,
			metadata           = EXCLUDED.metadata,
			updated_at         = EXCLUDED.updated_at
		WHERE positions.status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Strategy), p.Asset, p.Description, p.Chain, string(p.Status),
		p.EntryPrice, p.CurrentPrice, p.SizeUnits, p.CostBasisUSD, p.CurrentValueUSD,
		p.RealizedPnLUSD, p.UnrealizedPnLUSD, p.EntryTxID, p.ExitTxID,
		nullString(p.ExternalID), metadata, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: upsert position %s: external id %q: %w", p.ID, p.ExternalID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, domain.ErrAlreadyClosed)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByExternalID looks a position up by its venue identifier.
func (s *PositionStore) GetByExternalID(ctx context.Context, strategy domain.Strategy, externalID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE strategy = $1 AND external_id = $2`,
		string(strategy), externalID)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by external id %s: %w", externalID, err)
	}
	return p, nil
}

// ListOpen returns non-terminal positions, optionally filtered by strategy.
func (s *PositionStore) ListOpen(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status NOT IN ` + terminalStatuses
	args := []any{}
	if strategy != "" {
		query += " AND strategy = $1"
		args = append(args, string(strategy))
	}
	query += " ORDER BY opened_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListClosedSince returns positions closed at or after since.
func (s *PositionStore) ListClosedSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed_at IS NOT NULL AND closed_at >= $1
		 ORDER BY closed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Close marks a position CLOSED. The guard on status makes a second close a
// no-op at the row level, reported as domain.ErrAlreadyClosed.
func (s *PositionStore) Close(ctx context.Context, id string, c domain.PositionClose) error {
	query := `
		UPDATE positions SET
			status             = 'CLOSED',
			exit_tx_id         = $2,
			realized_pnl_usd   = $3,
			current_value_usd  = $4,
			unrealized_pnl_usd = 0,
			closed_at          = $5,
			updated_at         = $5,
			cost_basis_usd     = $6
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, c.ExitTxID, c.RealizedPnLUSD, c.CurrentValueUSD, c.ClosedAt, c.CostBasisUSD)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrClosed(ctx, id, domain.ErrAlreadyClosed)
	}
	return nil
}

// Reduce books a partial exit and moves the position to PARTIAL_EXIT.
func (s *PositionStore) Reduce(ctx context.Context, id string, r domain.PositionReduce) error {
	metadata, err := marshalMetadata(r.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal position metadata %s: %w", id, err)
	}
	query := `
		UPDATE positions SET
			status             = 'PARTIAL_EXIT',
			size_units         = $2,
			cost_basis_usd     = $3,
			current_value_usd  = $4,
			unrealized_pnl_usd = $5,
			realized_pnl_usd   = $6,
			metadata           = $7,
			updated_at         = $8
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, r.SizeUnits, r.CostBasisUSD, r.CurrentValueUSD,
		r.UnrealizedPnLUSD, r.RealizedPnLUSD, metadata, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: reduce position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrClosed(ctx, id, domain.ErrAlreadyClosed)
	}
	return nil
}

// Reopen moves a terminal position back to OPEN with fresh marks.
func (s *PositionStore) Reopen(ctx context.Context, id string, u domain.PriceUpdate) error {
	query := `
		UPDATE positions SET
			status             = 'OPEN',
			exit_tx_id         = '',
			realized_pnl_usd   = 0,
			current_price      = $2,
			current_value_usd  = $3,
			unrealized_pnl_usd = $4,
			closed_at          = NULL,
			updated_at         = $5
		WHERE id = $1 AND status IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, u.CurrentPrice, u.CurrentValueUSD, u.UnrealizedPnLUSD, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: reopen position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrClosed(ctx, id, domain.ErrInvalidTransition)
	}
	return nil
}

// UpdatePrice refreshes the marks of an open position.
func (s *PositionStore) UpdatePrice(ctx context.Context, id string, u domain.PriceUpdate) error {
	query := `
		UPDATE positions SET
			current_price      = $2,
			current_value_usd  = $3,
			unrealized_pnl_usd = $4,
			updated_at         = $5
		WHERE id = $1 AND status NOT IN ` + terminalStatuses

	tag, err := s.pool.Exec(ctx, query, id, u.CurrentPrice, u.CurrentValueUSD, u.UnrealizedPnLUSD, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update position price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrClosed(ctx, id, domain.ErrAlreadyClosed)
	}
	return nil
}

// SetMetadata replaces the metadata document of a position.
func (s *PositionStore) SetMetadata(ctx context.Context, id string, metadata map[string]any, at time.Time) error {
	data, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal position metadata %s: %w", id, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET metadata = $2, updated_at = $3 WHERE id = $1`, id, data, at)
	if err != nil {
		return fmt.Errorf("postgres: set position metadata %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// missOrClosed distinguishes a missing row from a guarded update that matched
// nothing.
func (s *PositionStore) missOrClosed(ctx context.Context, id string, guarded error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check position %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return fmt.Errorf("postgres: position %s: %w", id, guarded)
}
