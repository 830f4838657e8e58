package chatkit

import (
	"context"
	"sync"
)

// SelectionStore persists the last selected conversation per user. It is
// a convenience only; failures are logged and ignored.
type SelectionStore interface {
	LoadSelection(ctx context.Context, userID string) (string, error)
	// SaveSelection stores conversationID; "" clears the entry.
	SaveSelection(ctx context.Context, userID, conversationID string) error
}

// MemorySelectionStore keeps selections in memory.
type MemorySelectionStore struct {
	mu         sync.RWMutex
	selections map[string]string
}

func NewMemorySelectionStore() *MemorySelectionStore {
	return &MemorySelectionStore{selections: make(map[string]string)}
}

func (s *MemorySelectionStore) LoadSelection(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selections[userID], nil
}

func (s *MemorySelectionStore) SaveSelection(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" {
		delete(s.selections, userID)
		return nil
	}
	s.selections[userID] = conversationID
	return nil
}
