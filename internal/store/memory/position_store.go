// Package memory implements the domain stores in process memory. It backs
// paper mode and tests and enforces the same guards as the postgres package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// PositionStore implements domain.PositionStore in memory.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func clonePosition(p domain.Position) domain.Position {
	if p.Metadata != nil {
		md := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		p.Metadata = md
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		p.ClosedAt = &t
	}
	return p
}

// Upsert inserts or replaces a position unless the stored row is terminal.
func (s *PositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.ID]; ok && existing.Status.Terminal() {
		return fmt.Errorf("memory: upsert position %s: %w", p.ID, domain.ErrAlreadyClosed)
	}
	if p.ExternalID != "" {
		for id, other := range s.positions {
			if id != p.ID && other.Strategy == p.Strategy && other.ExternalID == p.ExternalID {
				return fmt.Errorf("memory: upsert position %s: external id %q: %w", p.ID, p.ExternalID, domain.ErrAlreadyExists)
			}
		}
	}
	if existing, ok := s.positions[p.ID]; ok {
		// Realized P&L and the closing fields belong to Close.
		p.Strategy = existing.Strategy
		p.RealizedPnLUSD = existing.RealizedPnLUSD
		p.ExitTxID = existing.ExitTxID
		p.OpenedAt = existing.OpenedAt
		p.ClosedAt = existing.ClosedAt
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

// GetByID returns a position or domain.ErrNotFound.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return clonePosition(p), nil
}

// GetByExternalID returns the position with the venue identifier.
func (s *PositionStore) GetByExternalID(_ context.Context, strategy domain.Strategy, externalID string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.Strategy == strategy && p.ExternalID == externalID {
			return clonePosition(p), nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

// ListOpen returns non-terminal positions ordered by open time.
func (s *PositionStore) ListOpen(_ context.Context, strategy domain.Strategy) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Status.Terminal() {
			continue
		}
		if strategy != "" && p.Strategy != strategy {
			continue
		}
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// ListClosedSince returns positions closed at or after since.
func (s *PositionStore) ListClosedSince(_ context.Context, since time.Time) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	return out, nil
}

// Close marks a position CLOSED exactly once.
func (s *PositionStore) Close(_ context.Context, id string, c domain.PositionClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrAlreadyClosed)
	}
	closedAt := c.ClosedAt
	p.Status = domain.PositionStatusClosed
	p.ExitTxID = c.ExitTxID
	p.CostBasisUSD = c.CostBasisUSD
	p.RealizedPnLUSD = c.RealizedPnLUSD
	p.CurrentValueUSD = c.CurrentValueUSD
	p.UnrealizedPnLUSD = 0
	p.ClosedAt = &closedAt
	p.UpdatedAt = closedAt
	s.positions[id] = p
	return nil
}

// Reduce books a partial exit and moves the position to PARTIAL_EXIT.
func (s *PositionStore) Reduce(_ context.Context, id string, r domain.PositionReduce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrAlreadyClosed)
	}
	p.Status = domain.PositionStatusPartialExit
	p.SizeUnits = r.SizeUnits
	p.CostBasisUSD = r.CostBasisUSD
	p.CurrentValueUSD = r.CurrentValueUSD
	p.UnrealizedPnLUSD = r.UnrealizedPnLUSD
	p.RealizedPnLUSD = r.RealizedPnLUSD
	if r.Metadata != nil {
		p.Metadata = r.Metadata
	}
	p.UpdatedAt = r.UpdatedAt
	s.positions[id] = clonePosition(p)
	return nil
}

// Reopen moves a terminal position back to OPEN.
func (s *PositionStore) Reopen(_ context.Context, id string, u domain.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.Status.Terminal() {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrInvalidTransition)
	}
	p.Status = domain.PositionStatusOpen
	p.ExitTxID = ""
	p.RealizedPnLUSD = 0
	p.CurrentPrice = u.CurrentPrice
	p.CurrentValueUSD = u.CurrentValueUSD
	p.UnrealizedPnLUSD = u.UnrealizedPnLUSD
	p.ClosedAt = nil
	p.UpdatedAt = u.UpdatedAt
	s.positions[id] = p
	return nil
}

// UpdatePrice refreshes marks on an open position.
func (s *PositionStore) UpdatePrice(_ context.Context, id string, u domain.PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrAlreadyClosed)
	}
	p.CurrentPrice = u.CurrentPrice
	p.CurrentValueUSD = u.CurrentValueUSD
	p.UnrealizedPnLUSD = u.UnrealizedPnLUSD
	p.UpdatedAt = u.UpdatedAt
	s.positions[id] = p
	return nil
}

// SetMetadata replaces a position's metadata.
func (s *PositionStore) SetMetadata(_ context.Context, id string, metadata map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Metadata = metadata
	p.UpdatedAt = at
	s.positions[id] = clonePosition(p)
	return nil
}
