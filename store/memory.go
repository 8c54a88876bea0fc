package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"momo-orchestrator/domain"
)

type refKey struct {
	provider  domain.Provider
	reference string
}

// MemoryStore keeps transactions in process. It backs tests and the
// memory:// connection string.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Transaction
	byRef map[refKey]string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*domain.Transaction),
		byRef: make(map[refKey]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := prepareCreate(txn, s.now())
	key := refKey{c.Provider, c.ExternalReference}
	if _, exists := s.byRef[key]; exists {
		return nil, domain.ErrDuplicateReference
	}
	if _, exists := s.byID[c.ID]; exists {
		return nil, domain.ErrDuplicateReference
	}

	s.byID[c.ID] = c
	s.byRef[key] = c.ID
	return c.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, error) {
	txn, _, err := s.Transition(ctx, id, status, rawPayload)
	return txn, err
}

func (s *MemoryStore) Transition(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, bool, error) {
	if !status.Valid() {
		return nil, false, &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.byID[id]
	if !ok {
		return nil, false, &domain.NotFoundError{TransactionID: id}
	}
	if txn.Status.IsTerminal() {
		return txn.Clone(), false, nil
	}
	if status != txn.Status && !domain.CanTransition(txn.Status, status) {
		return txn.Clone(), false, nil
	}

	txn.Status = status
	if rawPayload != nil {
		txn.ProviderPayload = append(json.RawMessage(nil), rawPayload...)
	}
	txn.UpdatedAt = s.now()
	return txn.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.byID[id]
	if !ok {
		return nil, &domain.NotFoundError{TransactionID: id}
	}
	return txn.Clone(), nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[refKey{provider, reference}]
	if !ok {
		return nil, &domain.NotFoundError{TransactionID: reference}
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, txn := range s.byID {
		if txn.Status == domain.StatusPending && txn.CreatedAt.Before(olderThan) {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transactions returns a snapshot of every stored row.
func (s *MemoryStore) Transactions() []*domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Transaction, 0, len(s.byID))
	for _, txn := range s.byID {
		out = append(out, txn.Clone())
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
