package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// Config represents the complete pipeline configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Batcher configures the smart batcher.
	Batcher BatcherConfig `yaml:"batcher"`

	// Backpressure configures load classification.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Breaker configures the per-backend circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`

	// Pool configures the per-backend connection pools.
	Pool PoolConfig `yaml:"pool"`

	// Lifecycle configures tier selection and migration.
	Lifecycle types.LifecyclePolicy `yaml:"lifecycle"`

	// Hot configures the hot tier backend.
	Hot HotConfig `yaml:"hot"`

	// Warm configures the warm tier backend.
	Warm FileTierConfig `yaml:"warm"`

	// Cold configures the cold tier backend.
	Cold FileTierConfig `yaml:"cold"`

	// Kafka configures the optional Kafka event source.
	Kafka KafkaConfig `yaml:"kafka"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// BatcherConfig configures the smart batcher.
type BatcherConfig struct {
	// Policy selects the batching policy: size, time, hybrid, adaptive.
	Policy string `yaml:"policy"`

	// MaxQueueSize is the hard admission limit of the event queue.
	MaxQueueSize int `yaml:"max_queue_size"`

	// BatchSize is the size trigger for size/hybrid policies.
	BatchSize int `yaml:"batch_size"`

	// MaxBatchTime is the time bound for time/hybrid policies,
	// enforced by the periodic flush driver.
	MaxBatchTime time.Duration `yaml:"max_batch_time"`

	// Adaptive policy tuning.
	TargetThroughput float64       `yaml:"target_throughput"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MinBatchTime     time.Duration `yaml:"min_batch_time"`
	MaxBatchTime2    time.Duration `yaml:"adaptive_max_batch_time"`

	// FlushInterval is how often the flush driver evaluates the policy.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BackpressureConfig holds the immutable pressure thresholds.
// Queue and rate triples are (moderate, high, critical); either signal
// alone can escalate the pressure level.
type BackpressureConfig struct {
	// Enabled enables backpressure classification.
	Enabled bool `yaml:"enabled"`

	// QueueModerate, QueueHigh, QueueCritical are queue-depth thresholds.
	QueueModerate int `yaml:"queue_moderate"`
	QueueHigh     int `yaml:"queue_high"`
	QueueCritical int `yaml:"queue_critical"`

	// RateModerate, RateHigh, RateCritical are events/second thresholds.
	RateModerate float64 `yaml:"rate_moderate"`
	RateHigh     float64 `yaml:"rate_high"`
	RateCritical float64 `yaml:"rate_critical"`

	// RateWindow is the sliding window used to measure the event rate.
	RateWindow time.Duration `yaml:"rate_window"`
}

// BreakerConfig configures circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold trips Closed->Open on this many window failures.
	FailureThreshold int `yaml:"failure_threshold"`

	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int `yaml:"success_threshold"`

	// ErrorRateThreshold trips Closed->Open once the windowed error rate
	// reaches this value (0.0-1.0) and MinRequestThreshold is met.
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`

	// MinRequestThreshold is the minimum window sample count before the
	// error rate is consulted, to avoid flapping on small samples.
	MinRequestThreshold int `yaml:"min_request_threshold"`

	// Timeout is the Open->HalfOpen cooldown.
	Timeout time.Duration `yaml:"timeout"`

	// Window is the rolling metrics window.
	Window time.Duration `yaml:"window"`
}

// PoolConfig configures connection pools.
type PoolConfig struct {
	// MinConnections is the floor kept alive through idle cleanup.
	MinConnections int `yaml:"min_connections"`

	// MaxConnections is the hard pool bound.
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout marks connections unhealthy after this idle period.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxRetries bounds dial attempts when opening a new connection.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the initial backoff delay between dial attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HotConfig configures the DuckDB hot tier.
type HotConfig struct {
	// Path is the database file. Empty means {DataDir}/hot/events.db.
	Path string `yaml:"path"`

	// MemoryLimit is the DuckDB memory limit (e.g. "2GB").
	MemoryLimit string `yaml:"memory_limit"`
}

// FileTierConfig configures a Parquet file tier.
type FileTierConfig struct {
	// Dir is the tier directory. Empty means {DataDir}/{tier}.
	Dir string `yaml:"dir"`

	// Compression is the Parquet codec: snappy, zstd, none.
	Compression string `yaml:"compression"`
}

// KafkaConfig configures the Kafka event source.
type KafkaConfig struct {
	// Enabled enables the Kafka consumer.
	Enabled bool `yaml:"enabled"`

	// Brokers is the bootstrap broker list.
	Brokers []string `yaml:"brokers"`

	// Topic is the audit event topic.
	Topic string `yaml:"topic"`

	// Group is the consumer group id.
	Group string `yaml:"group"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/auditpipe",
		Batcher: BatcherConfig{
			Policy:           "hybrid",
			MaxQueueSize:     100000,
			BatchSize:        500,
			MaxBatchTime:     5 * time.Second,
			TargetThroughput: 10000,
			MinBatchSize:     100,
			MaxBatchSize:     5000,
			MinBatchTime:     time.Second,
			MaxBatchTime2:    30 * time.Second,
			FlushInterval:    time.Second,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			QueueModerate: 25000,
			QueueHigh:     50000,
			QueueCritical: 80000,
			RateModerate:  20000,
			RateHigh:      50000,
			RateCritical:  100000,
			RateWindow:    10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    3,
			ErrorRateThreshold:  0.5,
			MinRequestThreshold: 10,
			Timeout:             30 * time.Second,
			Window:              time.Minute,
		},
		Pool: PoolConfig{
			MinConnections: 10,
			MaxConnections: 50,
			IdleTimeout:    5 * time.Minute,
			MaxRetries:     3,
			RetryDelay:     100 * time.Millisecond,
		},
		Lifecycle: types.DefaultLifecyclePolicy(),
		Hot: HotConfig{
			MemoryLimit: "2GB",
		},
		Warm: FileTierConfig{
			Compression: "zstd",
		},
		Cold: FileTierConfig{
			Compression: "zstd",
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Topic:   "audit-events",
			Group:   "auditpipe",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "0.0.0.0:9464",
		},
	}
}

// HotPath returns the hot tier database path.
func (c *Config) HotPath() string {
	if c.Hot.Path != "" {
		return c.Hot.Path
	}
	return filepath.Join(c.DataDir, "hot", "events.db")
}

// TierDir returns the directory for a file-based tier.
func (c *Config) TierDir(tier types.Tier) string {
	switch tier {
	case types.TierWarm:
		if c.Warm.Dir != "" {
			return c.Warm.Dir
		}
	case types.TierCold:
		if c.Cold.Dir != "" {
			return c.Cold.Dir
		}
	}
	return filepath.Join(c.DataDir, tier.String())
}

// EnsureDirectories creates the data directories if they do not exist.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.HotPath()),
		c.TierDir(types.TierWarm),
		c.TierDir(types.TierCold),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
