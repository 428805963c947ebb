package consent

import (
	"context"
	"sync"
	"time"
)

// requestEntry guards one record so transitions on different requests never
// contend.
type requestEntry struct {
	mu  sync.Mutex
	req *AccessRequest
}

func (e *requestEntry) snapshot() *AccessRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req.clone()
}

// MemoryRequestRepo keeps access requests in process memory.
type MemoryRequestRepo struct {
	mu        sync.RWMutex
	seq       int64
	byID      map[string]*requestEntry
	byPatient map[string][]*requestEntry
	byDoctor  map[string][]*requestEntry
}

func NewMemoryRequestRepo() *MemoryRequestRepo {
	return &MemoryRequestRepo{
		byID:      make(map[string]*requestEntry),
		byPatient: make(map[string][]*requestEntry),
		byDoctor:  make(map[string][]*requestEntry),
	}
}

func (m *MemoryRequestRepo) Create(_ context.Context, r *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return storageErr("request.create", errDuplicateID)
	}
	m.seq++
	r.seq = m.seq
	e := &requestEntry{req: r.clone()}
	m.byID[r.ID] = e
	m.byPatient[r.PatientID] = append(m.byPatient[r.PatientID], e)
	m.byDoctor[r.DoctorID] = append(m.byDoctor[r.DoctorID], e)
	return nil
}

func (m *MemoryRequestRepo) GetByID(_ context.Context, id string) (*AccessRequest, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFoundErr(id)
	}
	return e.snapshot(), nil
}

func (m *MemoryRequestRepo) Transition(_ context.Context, id string, to Status, at time.Time) (*AccessRequest, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFoundErr(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.req.IsPending() {
		return nil, invalidStateErr(id, e.req.Status)
	}
	e.req.Status = to
	decided := at
	e.req.DecidedAt = &decided
	return e.req.clone(), nil
}

func (m *MemoryRequestRepo) ListPendingByPatient(_ context.Context, patientID string) ([]*AccessRequest, error) {
	out := make([]*AccessRequest, 0)
	for _, r := range m.collect(m.byPatient, patientID) {
		if r.IsPending() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryRequestRepo) ListByDoctor(_ context.Context, doctorID string) ([]*AccessRequest, error) {
	return m.collect(m.byDoctor, doctorID), nil
}

func (m *MemoryRequestRepo) ListByPair(_ context.Context, doctorID, patientID string) ([]*AccessRequest, error) {
	out := make([]*AccessRequest, 0)
	for _, r := range m.collect(m.byPatient, patientID) {
		if r.DoctorID == doctorID {
			out = append(out, r)
		}
	}
	return out, nil
}

// collect snapshots the entries of one index bucket in insertion order.
func (m *MemoryRequestRepo) collect(index map[string][]*requestEntry, key string) []*AccessRequest {
	m.mu.RLock()
	entries := append([]*requestEntry(nil), index[key]...)
	m.mu.RUnlock()

	out := make([]*AccessRequest, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// MemoryLedgerRepo keeps one hash-chained stream per patient in memory.
type MemoryLedgerRepo struct {
	mu      sync.RWMutex
	streams map[string]*ledgerStream
}

type ledgerStream struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func NewMemoryLedgerRepo() *MemoryLedgerRepo {
	return &MemoryLedgerRepo{streams: make(map[string]*ledgerStream)}
}

func (m *MemoryLedgerRepo) stream(patientID string) *ledgerStream {
	m.mu.RLock()
	s, ok := m.streams[patientID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.streams[patientID]; ok {
		return s
	}
	s = &ledgerStream{}
	m.streams[patientID] = s
	return s
}

func (m *MemoryLedgerRepo) Append(_ context.Context, ev *AuditEvent) error {
	s := m.stream(ev.PatientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSeq int64
	var prevHash string
	if n := len(s.events); n > 0 {
		prevSeq, prevHash = s.events[n-1].Seq, s.events[n-1].Hash
	}
	seal(ev, prevSeq, prevHash)
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (m *MemoryLedgerRepo) ListByPatient(_ context.Context, patientID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	s, ok := m.streams[patientID]
	m.mu.RUnlock()
	if !ok {
		return []*AuditEvent{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEvent, len(s.events))
	for i, ev := range s.events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// NewMemoryStore wires the in-memory repositories together.
func NewMemoryStore() *Store {
	return &Store{
		Requests: NewMemoryRequestRepo(),
		Ledger:   NewMemoryLedgerRepo(),
		Tx:       NopTransactor{},
		Close:    func() {},
	}
}
