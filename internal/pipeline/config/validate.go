package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Batcher.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("batcher: %w", err))
	}
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}
	if err := c.Breaker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker: %w", err))
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := c.validateLifecycle(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: brokers required when enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the batcher configuration.
func (c *BatcherConfig) Validate() error {
	var errs []error

	switch c.Policy {
	case "size", "time", "hybrid", "adaptive":
	default:
		errs = append(errs, fmt.Errorf("unknown policy %q", c.Policy))
	}

	if c.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("max_queue_size must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.BatchSize > c.MaxQueueSize {
		errs = append(errs, errors.New("batch_size must not exceed max_queue_size"))
	}
	if c.Policy == "adaptive" {
		if c.MinBatchSize <= 0 || c.MaxBatchSize < c.MinBatchSize {
			errs = append(errs, errors.New("adaptive: need 0 < min_batch_size <= max_batch_size"))
		}
		if c.TargetThroughput <= 0 {
			errs = append(errs, errors.New("adaptive: target_throughput must be positive"))
		}
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
// Thresholds must be strictly increasing within each triple.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.QueueModerate <= 0 {
		errs = append(errs, errors.New("queue_moderate must be positive"))
	}
	if c.QueueModerate >= c.QueueHigh || c.QueueHigh >= c.QueueCritical {
		errs = append(errs, errors.New("queue thresholds must be increasing: moderate < high < critical"))
	}
	if c.RateModerate <= 0 {
		errs = append(errs, errors.New("rate_moderate must be positive"))
	}
	if c.RateModerate >= c.RateHigh || c.RateHigh >= c.RateCritical {
		errs = append(errs, errors.New("rate thresholds must be increasing: moderate < high < critical"))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate_window must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the breaker configuration.
func (c *BreakerConfig) Validate() error {
	var errs []error

	if c.FailureThreshold <= 0 {
		errs = append(errs, errors.New("failure_threshold must be positive"))
	}
	if c.SuccessThreshold <= 0 {
		errs = append(errs, errors.New("success_threshold must be positive"))
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		errs = append(errs, errors.New("error_rate_threshold must be in (0,1]"))
	}
	if c.MinRequestThreshold <= 0 {
		errs = append(errs, errors.New("min_request_threshold must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	var errs []error

	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		errs = append(errs, errors.New("need 0 <= min_connections <= max_connections"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	var errs []error

	p := c.Lifecycle
	if p.HotRetentionDays <= 0 {
		errs = append(errs, errors.New("hot_retention_days must be positive"))
	}
	if p.WarmRetentionDays <= p.HotRetentionDays {
		errs = append(errs, errors.New("warm_retention_days must exceed hot_retention_days"))
	}
	if p.ColdRetentionDays > 0 && p.ColdRetentionDays <= p.WarmRetentionDays {
		errs = append(errs, errors.New("cold_retention_days must exceed warm_retention_days"))
	}
	if p.AutoMigrate && p.MigrationBatchSize <= 0 {
		errs = append(errs, errors.New("migration_batch_size must be positive when auto_migrate is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
