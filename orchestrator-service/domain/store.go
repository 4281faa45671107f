package domain

import (
	"context"
	"time"

	"github.com/autosalon/purchase-system/shared/models"
	"github.com/pkg/errors"
)

var (
	// ErrSagaNotFound is returned when no saga exists for the given ID.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrConcurrentModification is returned when a save loses an optimistic
	// locking race; the caller reloads and retries.
	ErrConcurrentModification = errors.New("saga was modified concurrently")
	// ErrOrderExists is returned when a saga for the order ID already exists.
	ErrOrderExists = errors.New("order already exists")
)

// PoisonRecord is one entry in the operator reconciliation queue.
type PoisonRecord struct {
	SagaID     models.ID
	StepName   string
	Reason     string
	RecordedAt time.Time
}

// SagaStore persists sagas together with their orders and step history.
// Save writes the whole aggregate atomically; partial writes are not
// observable.
type SagaStore interface {
	// Save persists the saga, its order and steps in one transaction.
	// Returns ErrConcurrentModification when the stored version moved on,
	// ErrOrderExists when inserting a duplicate order ID.
	Save(ctx context.Context, saga *Saga) error

	// FindByID loads a saga by its ID (equal to the order ID).
	FindByID(ctx context.Context, id models.ID) (*Saga, error)

	// FindNonTerminal returns every saga not yet completed or failed,
	// oldest first. Used by crash recovery.
	FindNonTerminal(ctx context.Context) ([]*Saga, error)

	// FindByClient returns the sagas owned by a client, newest first.
	FindByClient(ctx context.Context, clientID models.ID, offset, limit int) ([]*Saga, error)

	// SavePoison appends to the operator reconciliation queue.
	SavePoison(ctx context.Context, record PoisonRecord) error

	// ListPoison returns the reconciliation queue, oldest first.
	ListPoison(ctx context.Context, offset, limit int) ([]PoisonRecord, error)
}
