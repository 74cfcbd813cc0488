package balance

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory balance store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Balances
}

// NewMemoryStore creates an empty in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Balances)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Balances, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[userID]
	if !ok {
		return Balances{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) Save(_ context.Context, b Balances) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAt = time.Now().UTC()
	s.data[b.UserID] = b
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
