package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// canonicalEvent fixes the field order that is hashed. Hash itself is excluded.
type canonicalEvent struct {
	Seq       int64     `json:"seq"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	RequestID string    `json:"requestId"`
	Event     EventType `json:"event"`
	Actor     string    `json:"actor"`
	Timestamp string    `json:"timestamp"`
	PrevHash  string    `json:"prevHash"`
}

// normalizeTime truncates to the precision every backend can round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func computeHash(ev *AuditEvent) string {
	b, _ := json.Marshal(canonicalEvent{
		Seq:       ev.Seq,
		PatientID: ev.PatientID,
		DoctorID:  ev.DoctorID,
		RequestID: ev.RequestID,
		Event:     ev.Event,
		Actor:     ev.Actor,
		Timestamp: normalizeTime(ev.Timestamp).Format(time.RFC3339Nano),
		PrevHash:  ev.PrevHash,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// seal links ev to the current tail of its stream. prevSeq is 0 and prevHash
// empty for the first event of a patient.
func seal(ev *AuditEvent, prevSeq int64, prevHash string) {
	ev.Timestamp = normalizeTime(ev.Timestamp)
	ev.Seq = prevSeq + 1
	ev.PrevHash = prevHash
	ev.Hash = computeHash(ev)
}

// verifyChain re-derives every hash of a stream given in seq order.
func verifyChain(patientID string, events []*AuditEvent) *ChainStatus {
	st := &ChainStatus{PatientID: patientID, Length: len(events), Valid: true}
	prevHash := ""
	for i, ev := range events {
		if ev.Seq != int64(i+1) || ev.PrevHash != prevHash || computeHash(ev) != ev.Hash {
			st.Valid = false
			st.BrokenAt = int64(i + 1)
			return st
		}
		prevHash = ev.Hash
	}
	st.Head = prevHash
	return st
}
