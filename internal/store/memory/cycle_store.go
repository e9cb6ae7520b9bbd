package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// CycleStore implements domain.CycleStore in memory.
type CycleStore struct {
	mu      sync.RWMutex
	records []domain.CycleRecord
}

// NewCycleStore creates an empty CycleStore.
func NewCycleStore() *CycleStore {
	return &CycleStore{}
}

// Append stores rec unless its trace id is already present.
func (s *CycleStore) Append(_ context.Context, rec domain.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TraceID == rec.TraceID {
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *CycleStore) ListRecent(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.CycleRecord(nil), s.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBefore returns records started before the cutoff, oldest first.
func (s *CycleStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CycleRecord
	for _, r := range s.records {
		if r.StartedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteBefore drops records started before the cutoff.
func (s *CycleStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var n int64
	for _, r := range s.records {
		if r.StartedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return n, nil
}
