package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate_QueueThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backpressure.QueueModerate = 50000
	cfg.Backpressure.QueueHigh = 25000

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-increasing queue thresholds")
	}
}

func TestValidate_RateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backpressure.RateCritical = cfg.Backpressure.RateHigh

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-increasing rate thresholds")
	}
}

func TestValidate_BatcherPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batcher.Policy = "psychic"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestValidate_BatchSizeBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batcher.BatchSize = cfg.Batcher.MaxQueueSize + 1

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for batch_size > max_queue_size")
	}
}

func TestValidate_PoolBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MinConnections = 60
	cfg.Pool.MaxConnections = 50

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for min_connections > max_connections")
	}
}

func TestValidate_LifecycleOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lifecycle.HotRetentionDays = 400
	cfg.Lifecycle.WarmRetentionDays = 365

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for hot retention >= warm retention")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
data_dir: /tmp/auditpipe-test
batcher:
  policy: size
  batch_size: 250
backpressure:
  queue_moderate: 10
  queue_high: 50
  queue_critical: 80
breaker:
  failure_threshold: 3
  timeout: 10s
lifecycle:
  hot_retention_days: 7
  warm_retention_days: 365
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Batcher.Policy != "size" {
		t.Errorf("expected policy size, got %s", cfg.Batcher.Policy)
	}
	if cfg.Batcher.BatchSize != 250 {
		t.Errorf("expected batch_size 250, got %d", cfg.Batcher.BatchSize)
	}
	if cfg.Backpressure.QueueHigh != 50 {
		t.Errorf("expected queue_high 50, got %d", cfg.Backpressure.QueueHigh)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("expected failure_threshold 3, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %s", cfg.Breaker.Timeout)
	}

	// Unspecified sections keep defaults.
	if cfg.Pool.MaxConnections != 50 {
		t.Errorf("expected default max_connections 50, got %d", cfg.Pool.MaxConnections)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTierDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	if got := cfg.TierDir(types.TierWarm); got != "/data/warm" {
		t.Errorf("expected /data/warm, got %s", got)
	}

	cfg.Cold.Dir = "/archive"
	if got := cfg.TierDir(types.TierCold); got != "/archive" {
		t.Errorf("expected /archive, got %s", got)
	}
}
