// Package agentstate keeps the agent's restart blob: pending approvals,
// cooldowns, the emergency pause deadline and counters. Every mutation
// rewrites the whole blob.
package agentstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Store serializes access to the persisted agent state.
type Store struct {
	mu      sync.Mutex
	backend domain.AgentStateStore
	agentID string
	state   domain.AgentState
	loaded  bool
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Store for agentID.
func New(backend domain.AgentStateStore, agentID string, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		agentID: agentID,
		state:   domain.NewAgentState(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "agent_state")),
	}
}

// Load reads the persisted blob into memory. A missing blob is the normal
// first-boot case and yields an empty state.
func (s *Store) Load(ctx context.Context) (domain.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.backend.Load(ctx, s.agentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.InfoContext(ctx, "no persisted state found, starting fresh")
		s.state = domain.NewAgentState()
	case err != nil:
		return domain.AgentState{}, fmt.Errorf("agentstate: load: %w", err)
	default:
		st := domain.NewAgentState()
		if err := json.Unmarshal(blob, &st); err != nil {
			return domain.AgentState{}, fmt.Errorf("agentstate: decode: %w", err)
		}
		if st.Cooldowns == nil {
			st.Cooldowns = map[domain.DecisionType]time.Time{}
		}
		if st.Counters == nil {
			st.Counters = map[string]int64{}
		}
		s.state = st
	}
	s.loaded = true
	return s.state.Clone(), nil
}

// Snapshot returns a copy of the in-memory state.
func (s *Store) Snapshot() domain.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Update applies fn to a copy of the state and persists the result. The
// in-memory state only changes if the write succeeds.
func (s *Store) Update(ctx context.Context, fn func(*domain.AgentState) error) (domain.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if err := fn(&next); err != nil {
		return s.state.Clone(), err
	}
	next.UpdatedAt = s.now()

	blob, err := json.Marshal(next)
	if err != nil {
		return s.state.Clone(), fmt.Errorf("agentstate: encode: %w", err)
	}
	if err := s.backend.Save(ctx, s.agentID, blob); err != nil {
		return s.state.Clone(), fmt.Errorf("agentstate: save: %w", err)
	}
	s.state = next
	return next.Clone(), nil
}

// NextID increments and returns a named counter inside an Update callback.
func NextID(st *domain.AgentState, counter string) int64 {
	st.Counters[counter]++
	return st.Counters[counter]
}

// CooldownUntil reports when decisions of type t may run again.
func (s *Store) CooldownUntil(t domain.DecisionType) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.state.Cooldowns[t]
	return until, ok
}

// SetCooldown blocks decisions of type t until the given time.
func (s *Store) SetCooldown(ctx context.Context, t domain.DecisionType, until time.Time) error {
	_, err := s.Update(ctx, func(st *domain.AgentState) error {
		st.Cooldowns[t] = until
		return nil
	})
	return err
}
