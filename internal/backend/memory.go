package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// MemoryStore is an in-process Store keeping events in a slice.
// It backs tests and acts as a stand-in tier when a backend path is not
// configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []types.Event
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) StoreEvent(ctx context.Context, e types.Event) error {
	return m.StoreBatch(ctx, []types.Event{e})
}

func (m *MemoryStore) StoreBatch(ctx context.Context, events []types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrClosed
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.ErrClosed
	}

	var out []types.Event
	for i := range m.events {
		if f.Matches(&m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMs < out[j].TimestampMs
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteEvents(ctx context.Context, f types.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.ErrClosed
	}

	kept := m.events[:0]
	deleted := 0
	for i := range m.events {
		if f.Matches(&m.events[i]) {
			deleted++
			continue
		}
		kept = append(kept, m.events[i])
	}
	m.events = kept
	return deleted, nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
