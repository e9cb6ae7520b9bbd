package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore in memory.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]domain.DailySnapshot
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]domain.DailySnapshot)}
}

// Upsert stores snap under its date.
func (s *SnapshotStore) Upsert(_ context.Context, snap domain.DailySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Date] = snap
	return nil
}

// Get returns the snapshot for date or domain.ErrNotFound.
func (s *SnapshotStore) Get(_ context.Context, date string) (domain.DailySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[date]
	if !ok {
		return domain.DailySnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}
