package backend

import (
	"context"
	"time"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/breaker"
	"github.com/auditpipe/auditpipe/internal/pipeline/pool"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// GuardedStore wraps a Store with a circuit breaker and a connection
// pool. Every call first consults the breaker, then checks out a pooled
// session, runs the operation, and feeds the outcome and latency back to
// the breaker.
//
// An open circuit fails fast with ErrCircuitOpen without touching the
// pool, so a struggling backend sees no new traffic until the breaker
// probes it again.
type GuardedStore struct {
	store   Store
	breaker *breaker.Breaker
	pool    *pool.Pool
}

// NewGuardedStore wraps the store. Both breaker and pool are required.
func NewGuardedStore(s Store, brk *breaker.Breaker, p *pool.Pool) *GuardedStore {
	return &GuardedStore{store: s, breaker: brk, pool: p}
}

// Unwrap returns the underlying store.
func (g *GuardedStore) Unwrap() Store { return g.store }

// Breaker returns the guarding circuit breaker.
func (g *GuardedStore) Breaker() *breaker.Breaker { return g.breaker }

// Pool returns the guarding connection pool.
func (g *GuardedStore) Pool() *pool.Pool { return g.pool }

// execute runs op under breaker and pool supervision.
func (g *GuardedStore) execute(ctx context.Context, op func(context.Context) error) error {
	if !g.breaker.CanExecute() {
		return errors.Wrap(errors.ErrCircuitOpen, "backend %s unavailable", g.breaker.Name())
	}

	pc, err := g.pool.Get(ctx)
	if err != nil {
		// Admission failures are the caller's problem, not the
		// backend's; only dial failures count against the breaker.
		if errors.Is(err, errors.ErrConnectionFailed) {
			g.breaker.RecordFailure()
		}
		return err
	}
	defer g.pool.Return(pc)

	start := time.Now()
	if err := op(ctx); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess(time.Since(start))
	return nil
}

func (g *GuardedStore) StoreEvent(ctx context.Context, e types.Event) error {
	return g.execute(ctx, func(ctx context.Context) error {
		return g.store.StoreEvent(ctx, e)
	})
}

func (g *GuardedStore) StoreBatch(ctx context.Context, events []types.Event) error {
	return g.execute(ctx, func(ctx context.Context) error {
		return g.store.StoreBatch(ctx, events)
	})
}

func (g *GuardedStore) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	var out []types.Event
	err := g.execute(ctx, func(ctx context.Context) error {
		var opErr error
		out, opErr = g.store.QueryEvents(ctx, f)
		return opErr
	})
	return out, err
}

func (g *GuardedStore) DeleteEvents(ctx context.Context, f types.Filter) (int, error) {
	var n int
	err := g.execute(ctx, func(ctx context.Context) error {
		var opErr error
		n, opErr = g.store.DeleteEvents(ctx, f)
		return opErr
	})
	return n, err
}

// HealthCheck bypasses the breaker so health probes can observe a
// recovering backend even while the circuit is open.
func (g *GuardedStore) HealthCheck(ctx context.Context) error {
	return g.store.HealthCheck(ctx)
}

// Close shuts down the pool and the underlying store.
func (g *GuardedStore) Close() error {
	g.pool.Close()
	return g.store.Close()
}
