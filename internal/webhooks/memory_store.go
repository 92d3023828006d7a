package webhooks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event ledger for demo/development mode.
type MemoryStore struct {
	events map[string]*Record
	mu     sync.Mutex
}

// NewMemoryStore creates a new in-memory event ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Record)}
}

func (m *MemoryStore) Record(_ context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[rec.ID]; ok {
		existing.Attempts++
		return existing.ProcessedAt != nil, nil
	}
	cp := *rec
	cp.Attempts = 1
	m.events[rec.ID] = &cp
	return false, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	rec.ProcessedAt = &at
	rec.ProcessingError = ""
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	rec.ProcessingError = reason
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *rec
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
