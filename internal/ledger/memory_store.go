package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Transaction
	ordered []string // insertion order of transaction ids
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Transaction)}
}

func (s *MemoryStore) Append(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.TransactionID]; exists {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = now
	}
	cp := cloneTransaction(&tx)
	s.byID[tx.TransactionID] = cp
	s.ordered = append(s.ordered, tx.TransactionID)
	return nil
}

func (s *MemoryStore) FindByTransactionID(_ context.Context, transactionID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[transactionID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *cloneTransaction(tx), nil
}

func (s *MemoryStore) Find(_ context.Context, f Filter, p Page) ([]Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Transaction
	for _, id := range s.ordered {
		tx := s.byID[id]
		if s.matches(tx, f) {
			matched = append(matched, tx)
		}
	}
	// Newest first; insertion order breaks ties deterministically.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	p = p.Normalize()
	start := p.Offset()
	if start >= len(matched) {
		return []Transaction{}, total, nil
	}
	end := start + p.Limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		out = append(out, *cloneTransaction(tx))
	}
	return out, total, nil
}

func (s *MemoryStore) matches(tx *Transaction, f Filter) bool {
	if tx.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, tx.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status) {
		return false
	}
	if f.Currency != "" && tx.Amount.Currency.Code != f.Currency {
		return false
	}
	if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.CreatedAt.After(f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(tx.TransactionID), needle) &&
			!strings.Contains(strings.ToLower(tx.Description), needle) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) UpdateStatus(_ context.Context, transactionID string, to Status, patch Patch) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[transactionID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !CanTransition(tx.Status, to) {
		return Transaction{}, ErrIllegalTransition
	}

	tx.Status = to
	tx.UpdatedAt = time.Now().UTC()
	applyPatch(tx, patch)
	return *cloneTransaction(tx), nil
}

func (s *MemoryStore) PatchMetadata(_ context.Context, transactionID string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[transactionID]
	if !ok {
		return ErrNotFound
	}
	for k, v := range meta {
		tx.SetMeta(k, v)
	}
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindProcessingWithdrawals(_ context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Transaction
	for _, id := range s.ordered {
		tx := s.byID[id]
		if tx.Deleted || tx.Type != TypeWithdrawal || tx.Status != StatusProcessing {
			continue
		}
		if !olderThan.IsZero() && tx.UpdatedAt.After(olderThan) {
			continue
		}
		matched = append(matched, tx)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Transaction, 0, len(matched))
	for _, tx := range matched {
		out = append(out, *cloneTransaction(tx))
	}
	return out, nil
}

func (s *MemoryStore) FindFirstByMetadata(_ context.Context, userID string, typ Type, meta map[string]string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.ordered {
		tx := s.byID[id]
		if tx.Deleted || tx.Type != typ {
			continue
		}
		if userID != "" && tx.UserID != userID {
			continue
		}
		if matchesMeta(tx, meta) {
			return *cloneTransaction(tx), nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (s *MemoryStore) HasNonTerminal(_ context.Context, userID string, types ...Type) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.ordered {
		tx := s.byID[id]
		if tx.Deleted || tx.UserID != userID {
			continue
		}
		if len(types) > 0 && !containsType(types, tx.Type) {
			continue
		}
		if !tx.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[transactionID]
	if !ok {
		return ErrNotFound
	}
	tx.Deleted = true
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ProcessingStats(_ context.Context) ([]StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		typ    Type
		status Status
	}
	agg := make(map[key]*StatusCount)
	for _, id := range s.ordered {
		tx := s.byID[id]
		if tx.Deleted || tx.Status.IsTerminal() {
			continue
		}
		k := key{tx.Type, tx.Status}
		row, ok := agg[k]
		if !ok {
			row = &StatusCount{Type: tx.Type, Status: tx.Status}
			agg[k] = row
		}
		row.Count++
		row.AmountAtomic += tx.Amount.Atomic
	}

	out := make([]StatusCount, 0, len(agg))
	for _, row := range agg {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func applyPatch(tx *Transaction, patch Patch) {
	if patch.ProviderStatus != "" {
		tx.Provider.Status = patch.ProviderStatus
	}
	if patch.ExternalTransactionID != "" {
		tx.Provider.ExternalTransactionID = patch.ExternalTransactionID
	}
	if patch.Description != "" {
		tx.Description = patch.Description
	}
	for k, v := range patch.Metadata {
		tx.SetMeta(k, v)
	}
}

func cloneTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	if tx.Provider.Metadata != nil {
		cp.Provider.Metadata = make(map[string]string, len(tx.Provider.Metadata))
		for k, v := range tx.Provider.Metadata {
			cp.Provider.Metadata[k] = v
		}
	}
	return &cp
}

func containsType(ts []Type, t Type) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []Status, s Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
