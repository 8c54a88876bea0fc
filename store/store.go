package store

import (
	"context"
	"encoding/json"
	"time"

	"momo-orchestrator/domain"
)

// Store persists transactions. Rows are never deleted.
//
// UpdateStatus is idempotent on terminal rows: it returns the stored row
// unchanged and no error, so duplicate or late status checks converge
// without locking.
//
// Transition is UpdateStatus that also reports whether this call wrote the
// row. Of several racing writers at most one sees applied=true for the move
// out of PENDING.
type Store interface {
	Create(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, error)
	Transition(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (txn *domain.Transaction, applied bool, err error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	GetByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error)
	Close() error
}

func prepareCreate(txn *domain.Transaction, now time.Time) *domain.Transaction {
	c := txn.Clone()
	if c.ID == "" {
		c.ID = domain.NewTransactionID()
	}
	if c.Status == "" {
		c.Status = domain.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	return c
}
