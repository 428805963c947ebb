package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medchain/medchain/internal/platform/auth"
)

// Service owns the access request state machine: pending -> approved or
// pending -> rejected, each step recorded in the ledger.
type Service struct {
	requests RequestRepository
	ledger   *Ledger
	tx       Transactor
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the request id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func NewService(requests RequestRepository, ledger *Ledger, tx Transactor, opts ...Option) *Service {
	if tx == nil {
		tx = NopTransactor{}
	}
	s := &Service{
		requests: requests,
		ledger:   ledger,
		tx:       tx,
		now:      time.Now,
		newID:    func() string { return "req_" + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest stores a pending request and its REQUEST_CREATED event in one
// unit of work. A nil or blank purpose stores DefaultPurpose.
func (s *Service) CreateRequest(ctx context.Context, doctorID, patientID string, purpose *string) (*AccessRequest, error) {
	doctorID, patientID = strings.TrimSpace(doctorID), strings.TrimSpace(patientID)
	if doctorID == "" {
		return nil, validationErr("doctorId")
	}
	if patientID == "" {
		return nil, validationErr("patientId")
	}

	p := DefaultPurpose
	if purpose != nil && strings.TrimSpace(*purpose) != "" {
		p = strings.TrimSpace(*purpose)
	}

	req := &AccessRequest{
		ID:        s.newID(),
		DoctorID:  doctorID,
		PatientID: patientID,
		Purpose:   &p,
		Status:    StatusPending,
		CreatedAt: normalizeTime(s.now()),
	}

	var ev *AuditEvent
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.requests.Create(ctx, req); err != nil {
			return err
		}
		var err error
		ev, err = s.ledger.append(ctx, AuditEvent{
			PatientID: req.PatientID,
			DoctorID:  req.DoctorID,
			RequestID: req.ID,
			Event:     EventRequestCreated,
			Actor:     auth.UserIDFromContext(ctx),
			Timestamp: req.CreatedAt,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create access request: %w", storageErr("request.create", err))
	}

	s.ledger.notify(ctx, ev)
	return req.clone(), nil
}

func (s *Service) Approve(ctx context.Context, requestID string) (*AccessRequest, error) {
	return s.transition(ctx, requestID, StatusApproved)
}

func (s *Service) Reject(ctx context.Context, requestID string) (*AccessRequest, error) {
	return s.transition(ctx, requestID, StatusRejected)
}

func (s *Service) transition(ctx context.Context, requestID string, to Status) (*AccessRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, validationErr("requestId")
	}

	var (
		updated *AccessRequest
		ev      *AuditEvent
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.requests.Transition(ctx, requestID, to, normalizeTime(s.now()))
		if err != nil {
			return err
		}

		ts := r.CreatedAt
		if r.DecidedAt != nil && r.DecidedAt.After(ts) {
			ts = *r.DecidedAt
		}
		ev, err = s.ledger.append(ctx, AuditEvent{
			PatientID: r.PatientID,
			DoctorID:  r.DoctorID,
			RequestID: r.ID,
			Event:     transitionEvent(to),
			Actor:     auth.UserIDFromContext(ctx),
			Timestamp: ts,
		})
		updated = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s access request %q: %w", verb(to), requestID, storageErr("request.transition", err))
	}

	s.ledger.notify(ctx, ev)
	return updated, nil
}

func verb(to Status) string {
	if to == StatusApproved {
		return "approve"
	}
	return "reject"
}

// GetRequest returns one request or ErrNotFound.
func (s *Service) GetRequest(ctx context.Context, requestID string) (*AccessRequest, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, validationErr("requestId")
	}
	return s.requests.GetByID(ctx, requestID)
}

// ListPendingForPatient returns the patient's pending requests in insertion order.
func (s *Service) ListPendingForPatient(ctx context.Context, patientID string) ([]*AccessRequest, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, validationErr("patientId")
	}
	reqs, err := s.requests.ListPendingByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list pending for %q: %w", patientID, storageErr("request.list_pending", err))
	}
	return reqs, nil
}

// ListForDoctor returns every request the doctor created, in insertion order.
func (s *Service) ListForDoctor(ctx context.Context, doctorID string) ([]*AccessRequest, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return nil, validationErr("doctorId")
	}
	reqs, err := s.requests.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list requests of %q: %w", doctorID, storageErr("request.list_doctor", err))
	}
	return reqs, nil
}
