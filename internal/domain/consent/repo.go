package consent

import (
	"context"
	"time"
)

// RequestRepository persists access requests. Implementations return
// ErrNotFound for unknown ids and wrap backend failures in *StorageError.
type RequestRepository interface {
	Create(ctx context.Context, r *AccessRequest) error
	GetByID(ctx context.Context, id string) (*AccessRequest, error)
	// Transition moves a pending request to status `to` as one atomic
	// compare-and-set. It fails with ErrInvalidState when the request is no
	// longer pending.
	Transition(ctx context.Context, id string, to Status, at time.Time) (*AccessRequest, error)
	ListPendingByPatient(ctx context.Context, patientID string) ([]*AccessRequest, error)
	ListByDoctor(ctx context.Context, doctorID string) ([]*AccessRequest, error)
	// ListByPair returns every request between doctor and patient in insertion order.
	ListByPair(ctx context.Context, doctorID, patientID string) ([]*AccessRequest, error)
}

// LedgerRepository is the append-only store behind the audit ledger.
type LedgerRepository interface {
	// Append assigns Seq, PrevHash and Hash and stores ev at the tail of its
	// patient's stream. Appends to one stream are serialized.
	Append(ctx context.Context, ev *AuditEvent) error
	ListByPatient(ctx context.Context, patientID string) ([]*AuditEvent, error)
}

// Transactor runs fn as one unit of work. Repositories called with the ctx
// passed to fn take part in the same transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NopTransactor is used with the in-memory repositories, whose operations
// cannot fail half-way.
type NopTransactor struct{}

func (NopTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Store bundles the repositories of one storage backend.
type Store struct {
	Requests RequestRepository
	Ledger   LedgerRepository
	Tx       Transactor
	// Ping reports backend health; nil means always healthy.
	Ping  func(ctx context.Context) error
	Close func()
}
