// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/quayside/undertow/internal/harvest"
)

// Publisher stores published records for inspection.
type Publisher struct {
	mu      sync.RWMutex
	records []harvest.PageRecord
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the page record.
func (p *Publisher) Publish(_ context.Context, record harvest.PageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

// Records returns the recorded publishes.
func (p *Publisher) Records() []harvest.PageRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]harvest.PageRecord, len(p.records))
	copy(out, p.records)
	return out
}
