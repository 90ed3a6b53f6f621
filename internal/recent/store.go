// Package recent keeps the most recently ingested records for the viewer.
package recent

import (
	"context"
	"errors"
	"sync"

	"cef-viewer/internal/schema"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("recent store is closed")

// DefaultCapacity is used when a store is created with a non-positive capacity.
const DefaultCapacity = 500

// Store holds the newest records, newest first. Writes beyond the capacity
// evict the oldest record. Store is also a consumer sink.
type Store interface {
	Write(ctx context.Context, record *schema.Record) error
	// List returns up to limit records, newest first. A non-positive limit
	// returns everything held.
	List(ctx context.Context, limit int) ([]*schema.Record, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is an in-process Store backed by a circular slice.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*schema.Record
	next    int
	count   int
	closed  bool
}

// NewMemoryStore creates a MemoryStore holding up to capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{records: make([]*schema.Record, capacity)}
}

// Write adds a record, evicting the oldest when full.
func (m *MemoryStore) Write(_ context.Context, record *schema.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.records[m.next] = record
	m.next = (m.next + 1) % len(m.records)
	if m.count < len(m.records) {
		m.count++
	}
	return nil
}

// List returns up to limit records, newest first.
func (m *MemoryStore) List(_ context.Context, limit int) ([]*schema.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	n := m.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*schema.Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.records)) % len(m.records)
		out = append(out, m.records[idx])
	}
	return out, nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count, nil
}

// Close releases the records.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	m.count = 0
	return nil
}
