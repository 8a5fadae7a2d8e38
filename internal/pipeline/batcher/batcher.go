// Package batcher accumulates audit events in a bounded queue and
// releases them as batches according to a configurable policy.
//
// Size-based triggering happens synchronously in the add path by
// signalling the flush channel; time bounds are advisory and enforced by
// the external periodic flush driver, which keeps AddEvent free of
// timers and I/O.
package batcher

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// PolicyKind selects the batching policy variant.
type PolicyKind int

const (
	// PolicySize flushes once the queue reaches BatchSize events.
	PolicySize PolicyKind = iota

	// PolicyTime flushes on elapsed time only.
	PolicyTime

	// PolicyHybrid flushes on size in the add path and on MaxBatchTime
	// via the external driver.
	PolicyHybrid

	// PolicyAdaptive flushes between MinBatchSize and MaxBatchSize,
	// steered by the target throughput.
	PolicyAdaptive
)

// String returns the string representation of the policy kind.
func (k PolicyKind) String() string {
	switch k {
	case PolicySize:
		return "size"
	case PolicyTime:
		return "time"
	case PolicyHybrid:
		return "hybrid"
	case PolicyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// Policy is the batching policy, immutable per batcher instance.
type Policy struct {
	Kind PolicyKind

	// BatchSize is the size trigger for size and hybrid policies.
	BatchSize int

	// MaxBatchTime is the time bound for time and hybrid policies.
	MaxBatchTime time.Duration

	// Adaptive tuning.
	TargetThroughput float64
	MinBatchSize     int
	MaxBatchSize     int
	MinBatchTime     time.Duration
	AdaptiveMaxTime  time.Duration
}

// SizeBased returns a policy that flushes at n events.
func SizeBased(n int) Policy {
	return Policy{Kind: PolicySize, BatchSize: n}
}

// TimeBased returns a policy that flushes every d.
func TimeBased(d time.Duration) Policy {
	return Policy{Kind: PolicyTime, MaxBatchTime: d}
}

// Hybrid returns a policy that flushes at n events or after d,
// whichever comes first.
func Hybrid(n int, d time.Duration) Policy {
	return Policy{Kind: PolicyHybrid, BatchSize: n, MaxBatchTime: d}
}

// PolicyFromConfig builds a policy from the batcher configuration.
func PolicyFromConfig(cfg config.BatcherConfig) Policy {
	switch cfg.Policy {
	case "size":
		return SizeBased(cfg.BatchSize)
	case "time":
		return TimeBased(cfg.MaxBatchTime)
	case "adaptive":
		return Policy{
			Kind:             PolicyAdaptive,
			TargetThroughput: cfg.TargetThroughput,
			MinBatchSize:     cfg.MinBatchSize,
			MaxBatchSize:     cfg.MaxBatchSize,
			MinBatchTime:     cfg.MinBatchTime,
			AdaptiveMaxTime:  cfg.MaxBatchTime2,
		}
	default:
		return Hybrid(cfg.BatchSize, cfg.MaxBatchTime)
	}
}

// PressureLimiter lets the batcher shrink its admission limit under
// load. Implemented by the backpressure controller.
type PressureLimiter interface {
	QueueSizeLimit() int
	ShouldApplyBackpressure() bool
}

// Batcher accumulates events and releases them as batches.
// AddEvent and Flush are safe to call concurrently; queue mutation is a
// single critical section per call so the queue is never observed in a
// torn state.
type Batcher struct {
	mu sync.Mutex

	policy       Policy
	maxQueueSize int
	limiter      PressureLimiter // nil = no pressure coupling

	queue     []types.Event
	lastFlush time.Time

	// flushCh is signalled when the add path hits a size trigger.
	flushCh chan struct{}

	// waitCh is closed on every flush; WaitForFlush blocks on it.
	waitCh chan struct{}

	stats   metrics
	sizeSk  *ddsketch.DDSketch
}

type metrics struct {
	totalBatches int64
	totalEvents  int64
	rejected     int64
	sumBatchSize int64
	sumBatchAge  time.Duration
}

// New creates a batcher with the given policy and hard queue bound.
func New(policy Policy, maxQueueSize int) *Batcher {
	b := &Batcher{
		policy:       policy,
		maxQueueSize: maxQueueSize,
		queue:        make([]types.Event, 0, maxQueueSize),
		lastFlush:    time.Now(),
		flushCh:      make(chan struct{}, 1),
		waitCh:       make(chan struct{}),
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		b.sizeSk = sketch
	}
	return b
}

// SetPressureLimiter couples the batcher's admission limit to a
// backpressure controller. Must be called before ingestion starts.
func (b *Batcher) SetPressureLimiter(l PressureLimiter) {
	b.mu.Lock()
	b.limiter = l
	b.mu.Unlock()
}

// AddEvent appends an event to the queue.
// Returns ErrQueueFull when the queue is at its effective limit; this is
// the pipeline's primary overload signal back to producers.
func (b *Batcher) AddEvent(e types.Event) error {
	b.mu.Lock()

	limit := b.maxQueueSize
	if b.limiter != nil {
		if l := b.limiter.QueueSizeLimit(); l > 0 && l < limit {
			limit = l
		}
	}

	if len(b.queue) >= limit {
		b.stats.rejected++
		b.mu.Unlock()
		return errors.ErrQueueFull
	}

	b.queue = append(b.queue, e)
	trigger := b.sizeTriggerLocked()
	b.mu.Unlock()

	if trigger {
		b.signalFlush()
	}
	return nil
}

// sizeTriggerLocked reports whether the add path should request a flush.
// Caller holds b.mu.
func (b *Batcher) sizeTriggerLocked() bool {
	n := len(b.queue)
	switch b.policy.Kind {
	case PolicySize:
		return n >= b.policy.BatchSize
	case PolicyHybrid:
		// Size only; the time bound belongs to the external driver.
		return n >= b.policy.BatchSize
	case PolicyAdaptive:
		return n >= b.policy.MinBatchSize
	default:
		return false
	}
}

// signalFlush nudges the flush driver without blocking.
func (b *Batcher) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
		// Flush already pending.
	}
}

// FlushSignal returns the channel signalled when the add path hits a
// size trigger. The external flush driver selects on it.
func (b *Batcher) FlushSignal() <-chan struct{} {
	return b.flushCh
}

// ShouldFlush evaluates the policy, including its time bounds, for the
// periodic driver.
func (b *Batcher) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.queue)
	if n == 0 {
		return false
	}
	elapsed := time.Since(b.lastFlush)

	switch b.policy.Kind {
	case PolicySize:
		return n >= b.policy.BatchSize
	case PolicyTime:
		return elapsed >= b.policy.MaxBatchTime
	case PolicyHybrid:
		return n >= b.policy.BatchSize || elapsed >= b.policy.MaxBatchTime
	case PolicyAdaptive:
		if n >= b.policy.MaxBatchSize {
			return true
		}
		if n >= b.policy.MinBatchSize && elapsed >= b.policy.MinBatchTime {
			return true
		}
		return elapsed >= b.policy.AdaptiveMaxTime
	default:
		return false
	}
}

// Flush drains the queue and returns the batch. The drain-and-reset is
// one critical section. Idempotent on an empty queue: returns an empty
// batch, not an error.
func (b *Batcher) Flush() types.Batch {
	now := time.Now()

	b.mu.Lock()

	drained := b.queue
	b.queue = make([]types.Event, 0, b.maxQueueSize)

	age := now.Sub(b.lastFlush)
	b.lastFlush = now

	batch := types.Batch{
		Events:    drained,
		Size:      len(drained),
		Age:       age,
		CreatedAt: now,
	}

	if batch.Size > 0 {
		b.stats.totalBatches++
		b.stats.totalEvents += int64(batch.Size)
		b.stats.sumBatchSize += int64(batch.Size)
		b.stats.sumBatchAge += age
		if b.sizeSk != nil {
			b.sizeSk.Add(float64(batch.Size))
		}
	}

	// Wake waiters.
	close(b.waitCh)
	b.waitCh = make(chan struct{})

	b.mu.Unlock()

	return batch
}

// GetBatch returns a non-destructive copy of the queued events.
func (b *Batcher) GetBatch() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Event, len(b.queue))
	copy(out, b.queue)
	return out
}

// QueueSize returns the current queue length.
func (b *Batcher) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// WaitForFlush blocks until the next flush completes or the timeout
// elapses, failing distinctly with ErrFlushTimeout.
func (b *Batcher) WaitForFlush(timeout time.Duration) error {
	b.mu.Lock()
	ch := b.waitCh
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errors.ErrFlushTimeout
	}
}

// Metrics holds batcher statistics.
type Metrics struct {
	TotalBatches   int64
	TotalEvents    int64
	Rejected       int64
	QueueSize      int
	AvgBatchSize   float64
	AvgBatchAge    time.Duration
	BatchSizeP50   float64
	BatchSizeP95   float64
}

// Metrics returns current statistics.
func (b *Batcher) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		TotalBatches: b.stats.totalBatches,
		TotalEvents:  b.stats.totalEvents,
		Rejected:     b.stats.rejected,
		QueueSize:    len(b.queue),
	}
	if b.stats.totalBatches > 0 {
		m.AvgBatchSize = float64(b.stats.sumBatchSize) / float64(b.stats.totalBatches)
		m.AvgBatchAge = b.stats.sumBatchAge / time.Duration(b.stats.totalBatches)
	}
	if b.sizeSk != nil && b.sizeSk.GetCount() > 0 {
		if v, err := b.sizeSk.GetValueAtQuantile(0.50); err == nil {
			m.BatchSizeP50 = v
		}
		if v, err := b.sizeSk.GetValueAtQuantile(0.95); err == nil {
			m.BatchSizeP95 = v
		}
	}
	return m
}

// Policy returns the batcher's policy.
func (b *Batcher) Policy() Policy {
	return b.policy
}
