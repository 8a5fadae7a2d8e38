// Package backend defines the storage contract shared by all tiers and
// the resilience wrapper that guards concrete backends with a circuit
// breaker and a connection pool.
package backend

import (
	"context"

	"github.com/auditpipe/auditpipe/internal/pipeline/pool"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// Store is the contract every tier backend satisfies.
// Implementations must be safe for concurrent use.
type Store interface {
	// StoreEvent persists a single event.
	StoreEvent(ctx context.Context, e types.Event) error

	// StoreBatch persists a batch of events. Implementations should
	// prefer a single write transaction or file per call.
	StoreBatch(ctx context.Context, events []types.Event) error

	// QueryEvents returns events matching the filter, oldest first.
	QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error)

	// DeleteEvents removes events matching the filter and reports how
	// many were removed. Used by lifecycle migration and retention.
	DeleteEvents(ctx context.Context, f types.Filter) (int, error)

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// session is a pooled handle onto a Store. The concrete stores manage
// their own I/O handles internally, so the session carries liveness
// only: Ping delegates to the store's health check.
type session struct {
	store Store
}

func (s *session) Ping(ctx context.Context) error { return s.store.HealthCheck(ctx) }
func (s *session) Close() error                   { return nil }

// SessionDialer returns a pool dialer that hands out sessions bound to
// the given store. A dial fails if the store is unhealthy, so the pool's
// retry and fail-fast semantics apply to backend availability.
func SessionDialer(s Store) pool.Dialer {
	return func(ctx context.Context) (pool.Conn, error) {
		if err := s.HealthCheck(ctx); err != nil {
			return nil, err
		}
		return &session{store: s}, nil
	}
}
