package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auditpipe/auditpipe/internal/backend"
	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/backpressure"
	"github.com/auditpipe/auditpipe/internal/pipeline/batcher"
	"github.com/auditpipe/auditpipe/internal/pipeline/breaker"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/pool"
	"github.com/auditpipe/auditpipe/internal/pipeline/tiered"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

const (
	defaultMigrationInterval = 15 * time.Minute
	flushTimeout             = 30 * time.Second
	poolTickInterval         = 30 * time.Second
)

// Service is the ingestion pipeline: admission control in front, the
// batcher in the middle, tiered storage behind. Producers call Publish;
// background workers drive flushing, pressure evaluation, pool hygiene,
// and lifecycle migration.
type Service struct {
	config   *config.Config
	batcher  *batcher.Batcher
	pressure *backpressure.Controller
	orch     *tiered.Orchestrator
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	migrationInterval time.Duration

	// rand is replaceable for deterministic throttle tests.
	rand func() float64

	startTime time.Time

	published        atomic.Int64
	throttleRejected atomic.Int64
	queueRejected    atomic.Int64
	batchesFlushed   atomic.Int64
	eventsFlushed    atomic.Int64
	flushErrors      atomic.Int64
	eventsDropped    atomic.Int64
}

// New creates the pipeline service over an orchestrator.
func New(cfg *config.Config, orch *tiered.Orchestrator) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "%v", err)
	}

	b := batcher.New(batcher.PolicyFromConfig(cfg.Batcher), cfg.Batcher.MaxQueueSize)
	ctrl := backpressure.New(cfg.Backpressure)
	b.SetPressureLimiter(ctrl)

	return &Service{
		config:            cfg,
		batcher:           b,
		pressure:          ctrl,
		orch:              orch,
		log:               logging.Component("pipeline"),
		migrationInterval: defaultMigrationInterval,
		rand:              rand.Float64,
	}, nil
}

// Batcher returns the service's batcher.
func (s *Service) Batcher() *batcher.Batcher { return s.batcher }

// Pressure returns the backpressure controller.
func (s *Service) Pressure() *backpressure.Controller { return s.pressure }

// Orchestrator returns the tiered storage orchestrator.
func (s *Service) Orchestrator() *tiered.Orchestrator { return s.orch }

// Start launches the background workers.
// A second Start on a running service returns ErrRunning.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(3)
	go s.flushWorker(ctx)
	go s.pressureWorker(ctx)
	go s.poolWorker(ctx)

	if s.orch.Policy().AutoMigrate {
		s.wg.Add(1)
		go s.migrationWorker(ctx)
	}

	s.log.Info("pipeline started",
		"policy", s.batcher.Policy().Kind.String(),
		"max_queue_size", s.config.Batcher.MaxQueueSize)
	return nil
}

// Stop stops the workers and flushes the remaining queue.
// Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	// Final drain so accepted events are not stranded in the queue.
	s.flush(context.Background())

	s.log.Info("pipeline stopped",
		"published", s.published.Load(),
		"flushed", s.eventsFlushed.Load())
	return nil
}

// IsRunning reports whether the service is started.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Publish admits one event into the pipeline.
//
// Admission order: the event is counted toward the rate signal, the
// throttle gate draws against the current throttle rate, then the
// batcher applies its queue bound. Rejected events return ErrThrottled
// or ErrQueueFull; producers decide whether to retry or shed.
func (s *Service) Publish(e types.Event) error {
	if !s.IsRunning() {
		return errors.ErrNotRunning
	}

	s.pressure.RecordEvent()

	if s.pressure.ShouldApplyBackpressure() {
		if rate := s.pressure.ThrottleRate(); rate > 0 && s.rand() < rate {
			s.throttleRejected.Add(1)
			return errors.Wrap(errors.ErrThrottled, "pressure %s", s.pressure.CurrentPressure())
		}
	}

	if err := s.batcher.AddEvent(e); err != nil {
		s.queueRejected.Add(1)
		return err
	}

	s.pressure.UpdateQueueSize(s.batcher.QueueSize())
	s.published.Add(1)
	return nil
}

// PublishBatch admits events one by one and returns how many were
// accepted along with the first rejection, if any.
func (s *Service) PublishBatch(events []types.Event) (int, error) {
	accepted := 0
	var firstErr error
	for i := range events {
		if err := s.Publish(events[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

// QueryEvents queries all storage tiers.
func (s *Service) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	return s.orch.QueryEvents(ctx, f)
}

// flushWorker drives the batcher's time bounds and reacts to size
// triggers. The interval tightens as pressure rises so a loaded queue
// drains in smaller, more frequent batches.
func (s *Service) flushWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.flushInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.batcher.FlushSignal():
			timer.Stop()
			s.flush(ctx)
		case <-timer.C:
			if s.batcher.ShouldFlush() {
				s.flush(ctx)
			}
		}
	}
}

// flushInterval scales the configured interval down under pressure.
func (s *Service) flushInterval() time.Duration {
	base := s.config.Batcher.FlushInterval
	switch s.pressure.CurrentPressure() {
	case backpressure.LevelHigh:
		return base / 2
	case backpressure.LevelCritical, backpressure.LevelOverloaded:
		return base / 4
	default:
		return base
	}
}

// flush drains the batcher and writes the batch through the
// orchestrator. Events in a failed batch are dropped, not re-queued;
// delivery is at most once within a process.
func (s *Service) flush(ctx context.Context) {
	batch := s.batcher.Flush()
	s.pressure.UpdateQueueSize(0)
	if batch.IsEmpty() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if err := s.orch.StoreBatch(ctx, batch.Events); err != nil {
		s.flushErrors.Add(1)
		s.eventsDropped.Add(int64(batch.Size))
		s.log.Error("flush failed",
			"events", batch.Size,
			"error", err)
		return
	}

	s.batchesFlushed.Add(1)
	s.eventsFlushed.Add(int64(batch.Size))
	s.log.Debug("flushed batch",
		"events", batch.Size,
		"age_ms", batch.Age.Milliseconds())
}

// pressureWorker re-evaluates the pressure level every second so the
// level decays when traffic stops, not only on the next Publish.
func (s *Service) pressureWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pressure.UpdateQueueSize(s.batcher.QueueSize())
			s.pressure.Evaluate()
		}
	}
}

// poolWorker runs health checks and idle cleanup on every tier's pool.
func (s *Service) poolWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(poolTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.pools() {
				p.HealthCheck()
				p.CleanupIdle()
			}
		}
	}
}

// migrationWorker periodically moves aged events down the tier chain.
func (s *Service) migrationWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.migrationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := s.orch.RunLifecycleMigration(ctx)
			if err != nil {
				s.log.Error("lifecycle migration failed", "moved", moved, "error", err)
			}
		}
	}
}

// pools collects the connection pools guarding the tier backends.
func (s *Service) pools() []*pool.Pool {
	var out []*pool.Pool
	for _, tier := range types.AllTiers() {
		if g, ok := s.orch.Store(tier).(*backend.GuardedStore); ok {
			out = append(out, g.Pool())
		}
	}
	return out
}

// Stats is a point-in-time snapshot of pipeline health for dashboards
// and the metrics collector.
type Stats struct {
	Running          bool
	Uptime           time.Duration
	Published        int64
	ThrottleRejected int64
	QueueRejected    int64
	BatchesFlushed   int64
	EventsFlushed    int64
	FlushErrors      int64
	EventsDropped    int64

	QueueSize int
	Pressure  backpressure.Level

	Batcher      batcher.Metrics
	Backpressure backpressure.ControllerStats
	Pools        map[types.Tier]pool.Stats
	Breakers     map[types.Tier]breaker.Metrics
	Tiers        tiered.Stats
}

// Stats returns a snapshot of all component statistics.
func (s *Service) Stats() Stats {
	st := Stats{
		Running:          s.IsRunning(),
		Published:        s.published.Load(),
		ThrottleRejected: s.throttleRejected.Load(),
		QueueRejected:    s.queueRejected.Load(),
		BatchesFlushed:   s.batchesFlushed.Load(),
		EventsFlushed:    s.eventsFlushed.Load(),
		FlushErrors:      s.flushErrors.Load(),
		EventsDropped:    s.eventsDropped.Load(),
		QueueSize:        s.batcher.QueueSize(),
		Pressure:         s.pressure.CurrentPressure(),
		Batcher:          s.batcher.Metrics(),
		Backpressure:     s.pressure.Stats(),
		Pools:            make(map[types.Tier]pool.Stats),
		Breakers:         make(map[types.Tier]breaker.Metrics),
		Tiers:            s.orch.Stats(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime)
	}
	for _, tier := range types.AllTiers() {
		if g, ok := s.orch.Store(tier).(*backend.GuardedStore); ok {
			st.Pools[tier] = g.Pool().Stats()
			st.Breakers[tier] = g.Breaker().Metrics()
		}
	}
	return st
}

// Health probes every tier backend.
func (s *Service) Health(ctx context.Context) map[types.Tier]error {
	return s.orch.HealthCheck(ctx)
}
