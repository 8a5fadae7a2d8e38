package pipeline

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/auditpipe/auditpipe/internal/backend"
	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/tiered"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Batcher.Policy = "hybrid"
	cfg.Batcher.MaxQueueSize = 100
	cfg.Batcher.BatchSize = 10
	cfg.Batcher.MaxBatchTime = 50 * time.Millisecond
	cfg.Batcher.FlushInterval = 10 * time.Millisecond
	cfg.Backpressure.QueueModerate = 30
	cfg.Backpressure.QueueHigh = 60
	cfg.Backpressure.QueueCritical = 90
	return cfg
}

func memoryOrchestrator() (*tiered.Orchestrator, *backend.MemoryStore) {
	hot := backend.NewMemoryStore()
	orch := tiered.New(map[types.Tier]backend.Store{
		types.TierHot:  hot,
		types.TierWarm: backend.NewMemoryStore(),
		types.TierCold: backend.NewMemoryStore(),
	}, types.DefaultLifecyclePolicy())
	return orch, hot
}

func newTestService(t *testing.T) (*Service, *backend.MemoryStore) {
	t.Helper()

	orch, hot := memoryOrchestrator()
	svc, err := New(testConfig(), orch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, hot
}

func testEvent() types.Event {
	return types.NewEvent("prod", "alice", "user.login", "hrn:db/users")
}

func TestPublish_NotRunning(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Publish(testEvent()); !stderrors.Is(err, errors.ErrNotRunning) {
		t.Fatalf("Publish before Start = %v, want ErrNotRunning", err)
	}
}

func TestStartStop_Idempotency(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(); !stderrors.Is(err, errors.ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop on stopped service = %v, want nil", err)
	}
}

func TestPublish_FlowsToStorage(t *testing.T) {
	svc, hot := newTestService(t)

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 25; i++ {
		if err := svc.Publish(testEvent()); err != nil {
			t.Fatalf("Publish(%d): %v", i, err)
		}
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if hot.Len() != 25 {
		t.Errorf("hot tier has %d events, want 25", hot.Len())
	}

	stats := svc.Stats()
	if stats.Published != 25 {
		t.Errorf("published = %d, want 25", stats.Published)
	}
	if stats.EventsFlushed != 25 {
		t.Errorf("events flushed = %d, want 25", stats.EventsFlushed)
	}
	if stats.QueueSize != 0 {
		t.Errorf("queue size after stop = %d, want 0", stats.QueueSize)
	}
}

func TestPublish_ThrottlesUnderPressure(t *testing.T) {
	cfg := testConfig()
	// Keep the flush driver effectively off so the queue holds depth.
	cfg.Batcher.Policy = "time"
	cfg.Batcher.MaxBatchTime = time.Hour
	cfg.Batcher.FlushInterval = time.Hour

	orch, _ := memoryOrchestrator()
	svc, err := New(cfg, orch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Deterministic draw: always below any nonzero throttle rate.
	svc.rand = func() float64 { return 0 }

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	// Fill to high pressure. The shrinking admission limit caps the
	// queue at QueueHigh while pressure is moderate, then throttling
	// starts once the level reaches high.
	var throttled, queueFull bool
	for i := 0; i < 200; i++ {
		err := svc.Publish(testEvent())
		switch {
		case stderrors.Is(err, errors.ErrThrottled):
			throttled = true
		case stderrors.Is(err, errors.ErrQueueFull):
			queueFull = true
		}
	}

	if !throttled && !queueFull {
		t.Error("no admission rejections at sustained depth")
	}
	stats := svc.Stats()
	if stats.ThrottleRejected == 0 && stats.QueueRejected == 0 {
		t.Errorf("stats show no rejections: %+v", stats)
	}
}

func TestPublishBatch_CountsAccepted(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	events := make([]types.Event, 5)
	for i := range events {
		events[i] = testEvent()
	}

	accepted, err := svc.PublishBatch(events)
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if accepted != 5 {
		t.Errorf("accepted = %d, want 5", accepted)
	}
}

func TestQueryEvents_EndToEnd(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := testEvent()
	e.Tenant = "dev"
	if err := svc.Publish(e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := svc.QueryEvents(context.Background(), types.Filter{Tenant: "dev"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}
}

func TestStats_HealthSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	stats := svc.Stats()
	if !stats.Running {
		t.Error("stats report not running")
	}

	health := svc.Health(context.Background())
	for tier, err := range health {
		if err != nil {
			t.Errorf("tier %s unhealthy: %v", tier, err)
		}
	}
}
