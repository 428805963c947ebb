package consent

import (
	"time"
)

// Status is the lifecycle state of an AccessRequest.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// DefaultPurpose is stored when a doctor does not state why they need the record.
const DefaultPurpose = "medical_review"

// AccessRequest is a doctor's ask to view one patient's record.
type AccessRequest struct {
	ID        string     `db:"id" json:"id"`
	DoctorID  string     `db:"doctor_id" json:"doctorId"`
	PatientID string     `db:"patient_id" json:"patientId"`
	Purpose   *string    `db:"purpose" json:"purpose,omitempty"`
	Status    Status     `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	DecidedAt *time.Time `db:"decided_at" json:"decidedAt,omitempty"`

	// seq is the store's insertion counter; it breaks createdAt ties.
	seq int64
}

func (r *AccessRequest) IsPending() bool  { return r.Status == StatusPending }
func (r *AccessRequest) IsApproved() bool { return r.Status == StatusApproved }

// clone returns a copy that shares no pointers with r.
func (r *AccessRequest) clone() *AccessRequest {
	cp := *r
	if r.Purpose != nil {
		p := *r.Purpose
		cp.Purpose = &p
	}
	if r.DecidedAt != nil {
		d := *r.DecidedAt
		cp.DecidedAt = &d
	}
	return &cp
}

// EventType names an entry in the audit ledger.
type EventType string

const (
	EventRequestCreated    EventType = "REQUEST_CREATED"
	EventRequestApproved   EventType = "REQUEST_APPROVED"
	EventRequestRejected   EventType = "REQUEST_REJECTED"
	EventRecordAccessed    EventType = "RECORD_ACCESSED"
	EventLabResultUploaded EventType = "LAB_RESULT_UPLOADED"
)

// transitionEvent maps a terminal status to the event that records it.
func transitionEvent(to Status) EventType {
	if to == StatusApproved {
		return EventRequestApproved
	}
	return EventRequestRejected
}

// AuditEvent is one immutable entry in a patient's audit stream.
type AuditEvent struct {
	Seq       int64     `db:"seq" json:"seq"`
	PatientID string    `db:"patient_id" json:"patientId"`
	DoctorID  string    `db:"doctor_id" json:"doctorId"`
	RequestID string    `db:"request_id" json:"requestId,omitempty"`
	Event     EventType `db:"event" json:"event"`
	Actor     string    `db:"actor" json:"actor,omitempty"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	PrevHash  string    `db:"prev_hash" json:"prevHash"`
	Hash      string    `db:"hash" json:"hash"`
}

// ChainStatus is the result of re-deriving a patient's hash chain.
type ChainStatus struct {
	PatientID string `json:"patientId"`
	Length    int    `json:"length"`
	Valid     bool   `json:"valid"`
	// BrokenAt is the seq of the first event whose hash or link does not verify.
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Head     string `json:"head,omitempty"`
}
