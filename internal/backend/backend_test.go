package backend

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/breaker"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/pool"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

func eventAt(tenant string, ts int64) types.Event {
	e := types.NewEvent(tenant, "alice", "user.login", "hrn:db/users")
	e.TimestampMs = ts
	return e
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	events := []types.Event{
		eventAt("prod", 3000),
		eventAt("prod", 1000),
		eventAt("dev", 2000),
	}
	if err := m.StoreBatch(ctx, events); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	got, err := m.QueryEvents(ctx, types.Filter{Tenant: "prod"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].TimestampMs != 1000 || got[1].TimestampMs != 3000 {
		t.Errorf("events not ordered oldest first: %d, %d", got[0].TimestampMs, got[1].TimestampMs)
	}
}

func TestMemoryStore_DeleteEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for _, ts := range []int64{1000, 2000, 3000, 4000} {
		if err := m.StoreEvent(ctx, eventAt("prod", ts)); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	n, err := m.DeleteEvents(ctx, types.Filter{Until: 2500})
	if err != nil {
		t.Fatalf("DeleteEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	if m.Len() != 2 {
		t.Errorf("remaining %d, want 2", m.Len())
	}
}

func TestMemoryStore_QueryLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	for i := int64(0); i < 10; i++ {
		if err := m.StoreEvent(ctx, eventAt("prod", 1000+i)); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	got, err := m.QueryEvents(ctx, types.Filter{Limit: 3})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.StoreEvent(ctx, eventAt("prod", 1000)); !stderrors.Is(err, errors.ErrClosed) {
		t.Errorf("StoreEvent after close = %v, want ErrClosed", err)
	}
	if err := m.HealthCheck(ctx); !stderrors.Is(err, errors.ErrClosed) {
		t.Errorf("HealthCheck after close = %v, want ErrClosed", err)
	}
}

// flakyStore fails operations while broken is set.
type flakyStore struct {
	*MemoryStore
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) setBroken(v bool) {
	f.mu.Lock()
	f.broken = v
	f.mu.Unlock()
}

func (f *flakyStore) isBroken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *flakyStore) StoreBatch(ctx context.Context, events []types.Event) error {
	if f.isBroken() {
		return errors.Wrap(errors.ErrStorage, "write failed")
	}
	return f.MemoryStore.StoreBatch(ctx, events)
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		ErrorRateThreshold:  0.5,
		MinRequestThreshold: 100,
		Timeout:             50 * time.Millisecond,
		Window:              time.Minute,
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections: 0,
		MaxConnections: 4,
		IdleTimeout:    time.Minute,
		MaxRetries:     0,
		RetryDelay:     time.Millisecond,
	}
}

func newGuarded(t *testing.T, s Store) *GuardedStore {
	t.Helper()
	brk := breaker.New("test", testBreakerConfig())
	p := pool.New("test", testPoolConfig(), SessionDialer(s))
	g := NewGuardedStore(s, brk, p)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGuardedStore_PassThrough(t *testing.T) {
	ctx := context.Background()
	g := newGuarded(t, NewMemoryStore())

	if err := g.StoreBatch(ctx, []types.Event{eventAt("prod", 1000)}); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	got, err := g.QueryEvents(ctx, types.Filter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if g.Breaker().State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", g.Breaker().State())
	}
}

func TestGuardedStore_TripsAndFailsFast(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{MemoryStore: NewMemoryStore()}
	g := newGuarded(t, fs)

	fs.setBroken(true)
	for i := 0; i < 3; i++ {
		if err := g.StoreBatch(ctx, []types.Event{eventAt("prod", 1000)}); err == nil {
			t.Fatalf("write %d succeeded on broken store", i)
		}
	}
	if g.Breaker().State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", g.Breaker().State())
	}

	// Fails fast without touching the store.
	fs.setBroken(false)
	err := g.StoreBatch(ctx, []types.Event{eventAt("prod", 1000)})
	if !stderrors.Is(err, errors.ErrCircuitOpen) {
		t.Fatalf("write through open circuit = %v, want ErrCircuitOpen", err)
	}
	if fs.Len() != 0 {
		t.Errorf("store received writes through open circuit")
	}
}

func TestGuardedStore_RecoversThroughHalfOpen(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{MemoryStore: NewMemoryStore()}
	g := newGuarded(t, fs)

	fs.setBroken(true)
	for i := 0; i < 3; i++ {
		_ = g.StoreBatch(ctx, []types.Event{eventAt("prod", 1000)})
	}
	fs.setBroken(false)

	time.Sleep(60 * time.Millisecond)

	if err := g.StoreBatch(ctx, []types.Event{eventAt("prod", 2000)}); err != nil {
		t.Fatalf("probe write after timeout: %v", err)
	}
	if g.Breaker().State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed after recovery", g.Breaker().State())
	}
	if fs.Len() != 1 {
		t.Errorf("store has %d events, want 1", fs.Len())
	}
}

func TestGuardedStore_HealthCheckBypassesBreaker(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{MemoryStore: NewMemoryStore()}
	g := newGuarded(t, fs)

	fs.setBroken(true)
	for i := 0; i < 3; i++ {
		_ = g.StoreBatch(ctx, []types.Event{eventAt("prod", 1000)})
	}
	fs.setBroken(false)

	if err := g.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck while circuit open = %v, want nil", err)
	}
}
