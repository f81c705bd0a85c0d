package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
)

var errInjected = errors.New("injected write failure")

// MemoryStore keeps datasets in process. Records are stored as encoded
// documents so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.Mutex
	datasets map[string]models.DatasetMetadata
	records  map[string][]byte

	// FailWrites makes the next n WriteResult calls fail.
	FailWrites int
	// WriteCalls counts WriteResult invocations.
	WriteCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[string]models.DatasetMetadata),
		records:  make(map[string][]byte),
	}
}

func (s *MemoryStore) Create(_ context.Context, meta *models.DatasetMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	meta.CreatedAt, meta.UpdatedAt = now, now
	if meta.Status == "" {
		meta.Status = models.StatusUploaded
	}
	s.datasets[meta.ID] = cloneMeta(*meta)
	return nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	return s.mutate(id, func(m *models.DatasetMetadata) {
		m.Status = models.StatusProcessing
		m.Reason = ""
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string, warnings []string) error {
	return s.mutate(id, func(m *models.DatasetMetadata) {
		m.Status = models.StatusFailed
		m.Reason = reason
		m.Warnings = append([]string{}, warnings...)
	})
}

func (s *MemoryStore) mutate(id string, fn func(*models.DatasetMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.datasets[id]
	if !ok {
		return ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = time.Now().UTC()
	s.datasets[id] = m
	return nil
}

func (s *MemoryStore) WriteResult(_ context.Context, meta *models.DatasetMetadata, records []*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteCalls++
	if s.FailWrites > 0 {
		s.FailWrites--
		return errInjected
	}
	prev, ok := s.datasets[meta.ID]
	if !ok {
		return ErrNotFound
	}
	doc, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if meta.RecordSetID == "" {
		meta.RecordSetID = uuid.NewString()
	}
	meta.CreatedAt = prev.CreatedAt
	meta.UpdatedAt = time.Now().UTC()
	s.datasets[meta.ID] = cloneMeta(*meta)
	s.records[meta.ID] = doc
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.DatasetMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMeta(m)
	return &out, nil
}

func (s *MemoryStore) Records(_ context.Context, id string) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return nil, ErrNotFound
	}
	out := []models.Record{}
	doc, ok := s.records[id]
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneMeta(m models.DatasetMetadata) models.DatasetMetadata {
	m.Warnings = append([]string{}, m.Warnings...)
	m.DataCategories = append([]string(nil), m.DataCategories...)
	m.FieldMappings.Entries = append([]models.MappingEntry(nil), m.FieldMappings.Entries...)
	return m
}
