package consent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Ledger is the append-only, per-patient audit trail.
type Ledger struct {
	repo LedgerRepository
	sink EventSink
	now  func() time.Time
}

func NewLedger(repo LedgerRepository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// SetEventSink installs the receiver of committed events.
func (l *Ledger) SetEventSink(s EventSink) { l.sink = s }

// Append validates ev and stores it at the tail of its patient's stream. The
// timestamp defaults to now; Seq, PrevHash and Hash are always assigned here.
func (l *Ledger) Append(ctx context.Context, ev AuditEvent) (*AuditEvent, error) {
	stored, err := l.append(ctx, ev)
	if err != nil {
		return nil, err
	}
	l.notify(ctx, stored)
	return stored, nil
}

// append stores ev without notifying, for callers that notify after their
// own commit.
func (l *Ledger) append(ctx context.Context, ev AuditEvent) (*AuditEvent, error) {
	ev.PatientID = strings.TrimSpace(ev.PatientID)
	if ev.PatientID == "" {
		return nil, validationErr("patientId")
	}
	if strings.TrimSpace(string(ev.Event)) == "" {
		return nil, validationErr("event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Seq, ev.PrevHash, ev.Hash = 0, "", ""

	if err := l.repo.Append(ctx, &ev); err != nil {
		return nil, fmt.Errorf("append %s for patient %q: %w", ev.Event, ev.PatientID, storageErr("ledger.append", err))
	}
	return &ev, nil
}

func (l *Ledger) notify(ctx context.Context, ev *AuditEvent) {
	if l.sink != nil && ev != nil {
		l.sink.Notify(ctx, *ev)
	}
}

// ListForPatient returns the patient's events in insertion order. A patient
// without events yields an empty slice.
func (l *Ledger) ListForPatient(ctx context.Context, patientID string) ([]*AuditEvent, error) {
	events, err := l.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list audit for patient %q: %w", patientID, storageErr("ledger.list", err))
	}
	if events == nil {
		events = []*AuditEvent{}
	}
	return events, nil
}

// Verify recomputes the patient's hash chain.
func (l *Ledger) Verify(ctx context.Context, patientID string) (*ChainStatus, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, validationErr("patientId")
	}
	events, err := l.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return verifyChain(patientID, events), nil
}
