package record

import (
	"context"
	"fmt"
	"strings"

	"github.com/medchain/medchain/internal/domain/consent"
)

// Appender is the slice of the audit ledger the provider writes to.
type Appender interface {
	Append(ctx context.Context, ev consent.AuditEvent) (*consent.AuditEvent, error)
}

// Provider releases clinical records only to doctors the gate authorizes.
type Provider struct {
	gate   consent.Authorizer
	ledger Appender
	source Source
}

func NewProvider(gate consent.Authorizer, ledger Appender, source Source) *Provider {
	return &Provider{gate: gate, ledger: ledger, source: source}
}

// Authorized reports the gate's decision without releasing anything.
func (p *Provider) Authorized(ctx context.Context, doctorID, patientID string) (bool, error) {
	return p.gate.IsAuthorized(ctx, strings.TrimSpace(doctorID), strings.TrimSpace(patientID))
}

// Fetch returns the patient's record to doctorID. The release is recorded as
// RECORD_ACCESSED; if the event cannot be stored nothing is returned.
func (p *Provider) Fetch(ctx context.Context, actor, doctorID, patientID string) (*Record, error) {
	doctorID, patientID = strings.TrimSpace(doctorID), strings.TrimSpace(patientID)
	if doctorID == "" {
		return nil, fmt.Errorf("%w: doctorId is required", consent.ErrValidation)
	}
	if patientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", consent.ErrValidation)
	}

	ok, err := p.gate.IsAuthorized(ctx, doctorID, patientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: doctor %q has no approved request for patient %q",
			consent.ErrAccessDenied, doctorID, patientID)
	}

	rec, err := p.source.Load(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load record of %q: %w", patientID, err)
	}

	if _, err := p.ledger.Append(ctx, consent.AuditEvent{
		PatientID: patientID,
		DoctorID:  doctorID,
		Event:     consent.EventRecordAccessed,
		Actor:     actor,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}
