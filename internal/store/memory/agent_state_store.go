package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// AgentStateStore implements domain.AgentStateStore in memory.
type AgentStateStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	saves int
}

// NewAgentStateStore creates an empty AgentStateStore.
func NewAgentStateStore() *AgentStateStore {
	return &AgentStateStore{blobs: make(map[string][]byte)}
}

// Load returns the blob for agentID or domain.ErrNotFound.
func (s *AgentStateStore) Load(_ context.Context, agentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[agentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Save replaces the blob for agentID.
func (s *AgentStateStore) Save(_ context.Context, agentID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[agentID] = append([]byte(nil), blob...)
	s.saves++
	return nil
}

// SaveCount reports how many times a blob was written.
func (s *AgentStateStore) SaveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
