package pool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
)

// fakeConn is a controllable Conn for tests.
type fakeConn struct {
	closed atomic.Bool
	pings  atomic.Int64
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		MinConnections: 0,
		MaxConnections: 5,
		IdleTimeout:    100 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *atomic.Int64) {
	t.Helper()
	var dialCount atomic.Int64
	p := New("test", cfg, func(ctx context.Context) (Conn, error) {
		dialCount.Add(1)
		return &fakeConn{}, nil
	})
	t.Cleanup(p.Close)
	return p, &dialCount
}

func TestPool_GetDialsNew(t *testing.T) {
	p, dials := newTestPool(t, testConfig())

	pc, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pc.ID == "" {
		t.Error("expected non-empty connection id")
	}
	if pc.UseCount() != 1 {
		t.Errorf("expected use count 1, got %d", pc.UseCount())
	}
	if dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", dials.Load())
	}
}

func TestPool_MaxConnections(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	// Check out all 5 slots.
	conns := make([]*PooledConn, 5)
	for i := range conns {
		pc, err := p.Get(context.Background())
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		conns[i] = pc
	}

	// The 6th concurrent checkout fails fast.
	_, err := p.Get(context.Background())
	if !stderrors.Is(err, errors.ErrMaxConnections) {
		t.Fatalf("expected ErrMaxConnections, got %v", err)
	}

	// Returning one connection allows reuse without a new dial.
	p.Return(conns[0])

	pc, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get after return: %v", err)
	}
	if pc.ID != conns[0].ID {
		t.Errorf("expected reuse of returned connection %s, got %s", conns[0].ID, pc.ID)
	}
	if pc.UseCount() != 2 {
		t.Errorf("expected use count 2 after reuse, got %d", pc.UseCount())
	}

	stats := p.Stats()
	if stats.Total != 5 {
		t.Errorf("total connection count should be unchanged: got %d", stats.Total)
	}
}

func TestPool_DialFailure(t *testing.T) {
	attempts := 0
	p := New("test", testConfig(), func(ctx context.Context) (Conn, error) {
		attempts++
		return nil, stderrors.New("refused")
	})
	defer p.Close()

	_, err := p.Get(context.Background())
	if !stderrors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}

	// Initial attempt plus MaxRetries.
	if attempts != 3 {
		t.Errorf("expected 3 dial attempts, got %d", attempts)
	}

	// A failed dial must not leak a slot.
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("expected empty pool after failed dial, got %d", s.Total)
	}
}

func TestPool_ReturnUntracked(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	pc, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.Remove(pc.ID)

	// Returning a removed connection drops it silently.
	p.Return(pc)

	if s := p.Stats(); s.Total != 0 {
		t.Errorf("expected empty pool, got %d", s.Total)
	}
	if !pc.Conn().(*fakeConn).closed.Load() {
		t.Error("untracked returned connection should be closed")
	}
}

func TestPool_HealthCheckMarksIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	pc, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Return(pc)

	// Not yet idle-expired.
	if marked := p.HealthCheck(); marked != 0 {
		t.Errorf("expected 0 marked, got %d", marked)
	}

	time.Sleep(30 * time.Millisecond)

	if marked := p.HealthCheck(); marked != 1 {
		t.Errorf("expected 1 marked, got %d", marked)
	}

	// Detection does not remove.
	s := p.Stats()
	if s.Total != 1 {
		t.Errorf("health check should not remove connections: got total %d", s.Total)
	}
	if s.Healthy != 0 {
		t.Errorf("expected 0 healthy, got %d", s.Healthy)
	}

	// Reclamation does.
	if removed := p.CleanupIdle(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("expected empty pool after cleanup, got %d", s.Total)
	}
}

func TestPool_CleanupRespectsMinConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnections = 1
	cfg.IdleTimeout = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	pc, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Return(pc)

	time.Sleep(20 * time.Millisecond)
	p.HealthCheck()

	if removed := p.CleanupIdle(); removed != 0 {
		t.Errorf("cleanup should keep min_connections: removed %d", removed)
	}
}

func TestPool_Stats(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	a, _ := p.Get(context.Background())
	b, _ := p.Get(context.Background())
	p.Return(b)

	s := p.Stats()
	if s.Total != 2 || s.Active != 1 || s.Idle != 1 || s.Healthy != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}

	p.Return(a)
}

func TestPool_ClosedGet(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	p.Close()

	if _, err := p.Get(context.Background()); !stderrors.Is(err, errors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
