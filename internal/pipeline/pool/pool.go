// Package pool manages a bounded set of reusable transport connections
// to one downstream service. The pool never blocks a caller waiting for
// a slot: exhaustion fails fast so backpressure decisions stay with the
// caller.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
)

// Conn is one live transport channel to the downstream service.
type Conn interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Dialer opens a new connection to the downstream service.
type Dialer func(ctx context.Context) (Conn, error)

// PooledConn wraps one live connection with pool bookkeeping.
// It stays in the pool's connection table until removed; checkout hands
// out the handle without transferring ownership.
type PooledConn struct {
	ID        string
	CreatedAt time.Time

	conn     Conn
	lastUsed time.Time
	healthy  bool
	useCount int64
	inUse    bool
}

// Conn returns the underlying transport connection.
func (pc *PooledConn) Conn() Conn {
	return pc.conn
}

// UseCount returns how many times this connection has been checked out.
func (pc *PooledConn) UseCount() int64 {
	return pc.useCount
}

// Pool manages connections to a single named backend.
type Pool struct {
	mu sync.Mutex

	name   string
	config config.PoolConfig
	dialer Dialer

	conns   map[string]*PooledConn
	dialing int // Reserved slots for in-flight dials.
	closed  bool

	// Lifetime counters.
	dials        int64
	dialFailures int64
	reuses       int64
}

// New creates a pool for the named backend. Connections are opened
// lazily on first Get.
func New(name string, cfg config.PoolConfig, dialer Dialer) *Pool {
	return &Pool{
		name:   name,
		config: cfg,
		dialer: dialer,
		conns:  make(map[string]*PooledConn),
	}
}

// Get returns a healthy connection, reusing an idle one when possible
// and dialing a new one otherwise. Fails fast with ErrMaxConnections
// when the pool is exhausted.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrClosed
	}

	now := time.Now()

	// Prefer reuse: any healthy connection that is not checked out and
	// not idle-expired.
	for _, pc := range p.conns {
		if pc.inUse || !pc.healthy {
			continue
		}
		if now.Sub(pc.lastUsed) > p.config.IdleTimeout {
			continue
		}
		pc.inUse = true
		pc.useCount++
		pc.lastUsed = now
		p.reuses++
		p.mu.Unlock()
		return pc, nil
	}

	if len(p.conns)+p.dialing >= p.config.MaxConnections {
		p.mu.Unlock()
		return nil, errors.ErrMaxConnections
	}

	// Reserve a slot so concurrent dials cannot exceed the bound, then
	// dial outside the lock.
	p.dialing++
	p.mu.Unlock()

	conn, err := p.dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.dialFailures++
		p.mu.Unlock()
		return nil, errors.Wrap(errors.ErrConnectionFailed, "dial %s", p.name)
	}

	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, errors.ErrClosed
	}

	pc := &PooledConn{
		ID:        uuid.NewString(),
		CreatedAt: now,
		conn:      conn,
		lastUsed:  now,
		healthy:   true,
		useCount:  1,
		inUse:     true,
	}
	p.conns[pc.ID] = pc
	p.dials++
	p.mu.Unlock()

	return pc, nil
}

// dial opens a connection with bounded retries and exponential backoff.
func (p *Pool) dial(ctx context.Context) (Conn, error) {
	var conn Conn

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryDelay
	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.config.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		c, err := p.dialer(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Return hands a connection back to the pool. The connection is reset to
// healthy and timestamped. A connection whose id is no longer tracked is
// closed and dropped rather than re-inserted.
func (p *Pool) Return(pc *PooledConn) {
	p.mu.Lock()

	tracked, ok := p.conns[pc.ID]
	if !ok || tracked != pc {
		p.mu.Unlock()
		pc.conn.Close()
		return
	}

	pc.inUse = false
	pc.healthy = true
	pc.lastUsed = time.Now()
	p.mu.Unlock()
}

// Remove drops a connection from the pool and closes it.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	if ok {
		pc.conn.Close()
	}
}

// HealthCheck marks connections idle longer than the idle timeout as
// unhealthy. Detection only; reclamation is CleanupIdle's job.
func (p *Pool) HealthCheck() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	marked := 0
	for _, pc := range p.conns {
		if pc.inUse {
			continue
		}
		if pc.healthy && now.Sub(pc.lastUsed) > p.config.IdleTimeout {
			pc.healthy = false
			marked++
		}
	}

	if marked > 0 {
		logging.Component("pool").Debug("marked idle connections unhealthy",
			"backend", p.name, "count", marked)
	}

	return marked
}

// CleanupIdle removes unhealthy connections, keeping at least
// MinConnections in the table. Returns the number removed.
func (p *Pool) CleanupIdle() int {
	p.mu.Lock()

	var victims []*PooledConn
	for id, pc := range p.conns {
		if len(p.conns) <= p.config.MinConnections {
			break
		}
		if !pc.inUse && !pc.healthy {
			victims = append(victims, pc)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, pc := range victims {
		pc.conn.Close()
	}

	return len(victims)
}

// Close closes the pool and every idle connection. Checked-out
// connections are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var victims []*PooledConn
	for id, pc := range p.conns {
		if !pc.inUse {
			victims = append(victims, pc)
		}
		delete(p.conns, id)
	}
	p.mu.Unlock()

	for _, pc := range victims {
		pc.conn.Close()
	}
}

// Stats holds a snapshot of pool occupancy.
type Stats struct {
	Total        int
	Active       int
	Idle         int
	Healthy      int
	Dials        int64
	DialFailures int64
	Reuses       int64
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:        len(p.conns),
		Dials:        p.dials,
		DialFailures: p.dialFailures,
		Reuses:       p.reuses,
	}
	for _, pc := range p.conns {
		if pc.inUse {
			s.Active++
		} else {
			s.Idle++
		}
		if pc.healthy {
			s.Healthy++
		}
	}
	return s
}
