package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Source loads a patient's record. Unknown patients yield empty documents.
type Source interface {
	Load(ctx context.Context, patientID string) (*Record, error)
}

const (
	identityFile = "identity.json"
	medicalFile  = "medical.json"
)

// FileSource reads identity.json and medical.json from Dir, each a JSON
// object keyed by patient id. Files are re-read on every load so edits made
// by the lab tooling show up without a restart.
type FileSource struct {
	Dir string
}

func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir}
}

func (s *FileSource) Load(_ context.Context, patientID string) (*Record, error) {
	identity, err := s.section(identityFile, patientID)
	if err != nil {
		return nil, err
	}
	medical, err := s.section(medicalFile, patientID)
	if err != nil {
		return nil, err
	}
	return &Record{Identity: identity, Medical: medical}, nil
}

func (s *FileSource) section(name, patientID string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	var all map[string]map[string]interface{}
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if doc, ok := all[patientID]; ok && doc != nil {
		return doc, nil
	}
	return map[string]interface{}{}, nil
}

// MemorySource serves records from memory.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string]*Record)}
}

func (s *MemorySource) Put(patientID string, r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[patientID] = r
}

func (s *MemorySource) Load(_ context.Context, patientID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[patientID]
	if !ok {
		return emptyRecord(), nil
	}
	out := emptyRecord()
	for k, v := range r.Identity {
		out.Identity[k] = v
	}
	for k, v := range r.Medical {
		out.Medical[k] = v
	}
	return out, nil
}
