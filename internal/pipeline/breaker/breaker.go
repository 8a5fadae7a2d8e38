// Package breaker implements a circuit breaker guarding calls to a single
// downstream backend. Each backend gets its own breaker instance; there is
// no shared package-level state.
package breaker

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed - normal operation, calls pass through.
	StateClosed State = iota

	// StateOpen - calls are rejected until the cooldown elapses.
	StateOpen

	// StateHalfOpen - trial calls are permitted to probe recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// sample is one recorded call outcome in the rolling window.
type sample struct {
	at      time.Time
	success bool
}

// Breaker tracks success/failure of calls to one downstream dependency
// and flips between allow/deny states.
//
// The Open->HalfOpen transition is evaluated lazily whenever state is
// read, under the breaker mutex, so concurrent readers cannot
// double-transition. There is no background timer.
type Breaker struct {
	mu sync.Mutex

	name   string
	config config.BreakerConfig

	state          State
	lastTransition time.Time

	// Consecutive successes while half-open.
	halfOpenSuccesses int

	// Rolling window of call outcomes; old samples are evicted on the
	// next write, so the window is self-cleaning.
	window []sample

	// Lifetime counters.
	opens  int64
	closes int64

	// Success latency distribution.
	latency *ddsketch.DDSketch
}

// New creates a breaker for the named backend, starting Closed.
func New(name string, cfg config.BreakerConfig) *Breaker {
	b := &Breaker{
		name:           name,
		config:         cfg,
		state:          StateClosed,
		lastTransition: time.Now(),
	}

	// Relative accuracy of 1% is plenty for latency percentiles.
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		b.latency = sketch
	}

	return b
}

// Name returns the backend name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying the Open->HalfOpen timeout
// transition if it is due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

// stateLocked evaluates the lazy timeout transition. Caller holds b.mu.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastTransition) >= b.config.Timeout {
		b.transitionLocked(StateHalfOpen, now)
	}
	return b.state
}

// CanExecute returns true iff the guarded call may be attempted.
// The circuit-open condition is a state, not an error: callers check
// here before attempting work.
func (b *Breaker) CanExecute() bool {
	return b.State() != StateOpen
}

// RecordSuccess records a successful call and its latency.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(now)
	b.window = append(b.window, sample{at: now, success: true})

	if b.latency != nil {
		b.latency.Add(latency.Seconds())
	}

	if b.stateLocked(now) == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	}
}

// RecordFailure records a failed call and evaluates trip conditions.
func (b *Breaker) RecordFailure() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(now)
	b.window = append(b.window, sample{at: now, success: false})

	switch b.stateLocked(now) {
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.transitionLocked(StateOpen, now)

	case StateClosed:
		total, failures := b.countLocked()

		if failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen, now)
			return
		}

		// Error rate is only consulted once enough samples exist,
		// to avoid flapping on small windows.
		if total >= b.config.MinRequestThreshold {
			errorRate := float64(failures) / float64(total)
			if errorRate >= b.config.ErrorRateThreshold {
				b.transitionLocked(StateOpen, now)
			}
		}
	}
}

// Reset forces the breaker Closed and zeroes its counters. This is an
// operator escape hatch, not part of normal flow.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = b.window[:0]
	b.halfOpenSuccesses = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed, time.Now())
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		b.latency = sketch
	}
}

// transitionLocked performs a state change. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.lastTransition = now
	b.halfOpenSuccesses = 0

	switch to {
	case StateOpen:
		b.opens++
	case StateClosed:
		b.closes++
	}

	logging.Component("breaker").Info("state changed",
		"backend", b.name,
		"from", from.String(),
		"to", to.String(),
	)
}

// evictLocked drops window samples older than the rolling window.
// Caller holds b.mu.
func (b *Breaker) evictLocked(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// countLocked returns (total, failures) in the window. Caller holds b.mu.
func (b *Breaker) countLocked() (int, int) {
	failures := 0
	for _, s := range b.window {
		if !s.success {
			failures++
		}
	}
	return len(b.window), failures
}

// Metrics holds a snapshot of the breaker's rolling counters.
type Metrics struct {
	State           State
	TotalRequests   int
	SuccessRequests int
	FailedRequests  int
	ErrorRate       float64
	Opens           int64
	Closes          int64
	LatencyP50      float64
	LatencyP95      float64
	LatencyP99      float64
}

// Metrics returns a snapshot of the rolling window counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.evictLocked(now)
	total, failures := b.countLocked()

	m := Metrics{
		State:           b.stateLocked(now),
		TotalRequests:   total,
		SuccessRequests: total - failures,
		FailedRequests:  failures,
		Opens:           b.opens,
		Closes:          b.closes,
	}
	if total > 0 {
		m.ErrorRate = float64(failures) / float64(total)
	}

	if b.latency != nil && b.latency.GetCount() > 0 {
		if v, err := b.latency.GetValueAtQuantile(0.50); err == nil {
			m.LatencyP50 = v
		}
		if v, err := b.latency.GetValueAtQuantile(0.95); err == nil {
			m.LatencyP95 = v
		}
		if v, err := b.latency.GetValueAtQuantile(0.99); err == nil {
			m.LatencyP99 = v
		}
	}

	return m
}
