package memory

import (
	"context"
	"sync"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// MetadataStore keeps extracted metadata records in memory, grouped by owner.
type MetadataStore struct {
	mu      sync.RWMutex
	records map[string][]scraper.MetadataRecord
}

// NewMetadataStore constructs an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{records: make(map[string][]scraper.MetadataRecord)}
}

// SaveMetadata appends a record to the owner's collection.
func (s *MetadataStore) SaveMetadata(_ context.Context, record scraper.MetadataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.OwnerID] = append(s.records[record.OwnerID], record)
	return nil
}

// ListMetadata returns all records owned by ownerID, oldest first.
func (s *MetadataStore) ListMetadata(_ context.Context, ownerID string) ([]scraper.MetadataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[ownerID]
	out := make([]scraper.MetadataRecord, len(records))
	copy(out, records)
	return out, nil
}
