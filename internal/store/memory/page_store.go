// Package memory provides in-memory persistence for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/quayside/undertow/internal/harvest"
)

// PageStore keeps harvested page records in memory, newest last.
type PageStore struct {
	mu      sync.RWMutex
	byID    map[string]harvest.PageRecord
	ordered []string
}

// NewPageStore creates an empty store.
func NewPageStore() *PageStore {
	return &PageStore{byID: make(map[string]harvest.PageRecord)}
}

// SavePage records one harvested page. Saving an existing ID overwrites it
// in place.
func (s *PageStore) SavePage(_ context.Context, record harvest.PageRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; !exists {
		s.ordered = append(s.ordered, record.ID)
	}
	s.byID[record.ID] = record
	return nil
}

// Get returns the record with the given ID.
func (s *PageStore) Get(id string) (harvest.PageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// Recent returns up to limit records, newest first.
func (s *PageStore) Recent(limit int) []harvest.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.ordered) {
		limit = len(s.ordered)
	}
	out := make([]harvest.PageRecord, 0, limit)
	for i := len(s.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.ordered[i]])
	}
	return out
}

// Len reports how many records the store holds.
func (s *PageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}
