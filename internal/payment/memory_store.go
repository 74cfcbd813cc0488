package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sbc-platform/payment-engine/internal/gateway"
)

// MemoryStore is an in-memory intent store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Intent
}

// NewMemoryStore creates an empty in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Intent)}
}

func (s *MemoryStore) Create(_ context.Context, in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[in.SessionID]; exists {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	cp := in
	s.data[in.SessionID] = &cp
	return nil
}

func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) (Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.data[sessionID]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return *in, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, sessionID string, u Update) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.data[sessionID]
	if !ok {
		return Intent{}, ErrNotFound
	}
	if in.Status.IsTerminal() {
		return *in, nil
	}
	if u.Status != "" {
		in.Status = u.Status
	}
	if u.RawStatus != "" {
		in.RawStatus = u.RawStatus
	}
	if u.ExternalID != "" {
		in.ExternalID = u.ExternalID
	}
	if !u.StatusCheckedAt.IsZero() {
		in.StatusCheckedAt = u.StatusCheckedAt
	}
	in.UpdatedAt = time.Now().UTC()
	return *in, nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, sessionID, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.data[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if in.SettledTxID != "" {
		return false, nil
	}
	in.SettledTxID = txID
	in.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) FindStale(_ context.Context, gatewayName gateway.Name, olderThan time.Time, limit int) ([]Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Intent
	for _, in := range s.data {
		if in.Gateway != gatewayName || in.Status.IsTerminal() {
			continue
		}
		checked := in.StatusCheckedAt
		if checked.IsZero() {
			checked = in.CreatedAt
		}
		if checked.After(olderThan) {
			continue
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, page, limit int) ([]Intent, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Intent
	for _, in := range s.data {
		if in.UserID == userID {
			matched = append(matched, *in)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []Intent{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Close() error { return nil }
