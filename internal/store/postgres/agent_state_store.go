package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// AgentStateStore implements domain.AgentStateStore using PostgreSQL. Each
// agent owns one JSONB row that is replaced on every save.
type AgentStateStore struct {
	pool *pgxpool.Pool
}

// NewAgentStateStore creates a new AgentStateStore backed by the given connection pool.
func NewAgentStateStore(pool *pgxpool.Pool) *AgentStateStore {
	return &AgentStateStore{pool: pool}
}

// Load returns the stored blob or domain.ErrNotFound on first boot.
func (s *AgentStateStore) Load(ctx context.Context, agentID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM agent_state WHERE agent_id = $1`, agentID,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load agent state %s: %w", agentID, err)
	}
	return blob, nil
}

// Save replaces the stored blob.
func (s *AgentStateStore) Save(ctx context.Context, agentID string, blob []byte) error {
	const query = `
		INSERT INTO agent_state (agent_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			state      = EXCLUDED.state,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, agentID, blob); err != nil {
		return fmt.Errorf("postgres: save agent state %s: %w", agentID, err)
	}
	return nil
}
