package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// TransactionStore implements domain.TransactionStore in memory.
type TransactionStore struct {
	mu  sync.RWMutex
	ids map[string]struct{}
	txs []domain.Transaction
}

// NewTransactionStore creates an empty TransactionStore.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{ids: make(map[string]struct{})}
}

// Insert appends tx unless its id was seen before.
func (s *TransactionStore) Insert(_ context.Context, tx domain.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[tx.ID]; ok {
		return false, nil
	}
	s.ids[tx.ID] = struct{}{}
	s.txs = append(s.txs, tx)
	return true, nil
}

// ListRecent returns up to limit transactions, newest first.
func (s *TransactionStore) ListRecent(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]domain.Transaction(nil), s.txs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSince returns transactions at or after since, oldest first.
func (s *TransactionStore) ListSince(_ context.Context, since time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, tx := range s.txs {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
