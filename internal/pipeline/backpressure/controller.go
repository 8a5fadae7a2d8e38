package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
)

// Level represents the current pressure level, ordered by severity.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelModerate - elevated load, shrink admission limits.
	LevelModerate

	// LevelHigh - high load, throttle incoming requests.
	LevelHigh

	// LevelCritical - very high load, throttle aggressively.
	LevelCritical

	// LevelOverloaded - both queue and rate signals critical, reject
	// nearly all new work.
	LevelOverloaded
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	case LevelOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Rank returns the severity rank (0..4).
func (l Level) Rank() int {
	return int(l)
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Controller classifies system load from queue depth and event rate.
// It only classifies; callers decide what action to take. All inputs are
// in-memory counters, so no method blocks on I/O.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig

	// Last-observed queue depth.
	queueSize atomic.Int64

	// Per-second event counts forming the sliding rate window.
	buckets   []int64
	bucketSec []int64

	// Last evaluated level.
	level atomic.Int32

	// Statistics
	stats Stats
}

// Stats holds controller statistics.
type Stats struct {
	LevelChanges    int64
	ModerateCount   int64
	HighCount       int64
	CriticalCount   int64
	OverloadedCount int64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig) *Controller {
	windowSec := int(cfg.RateWindow.Seconds())
	if windowSec <= 0 {
		windowSec = 10
	}

	return &Controller{
		config:    cfg,
		buckets:   make([]int64, windowSec),
		bucketSec: make([]int64, windowSec),
	}
}

// UpdateQueueSize records the last-observed queue depth.
func (c *Controller) UpdateQueueSize(n int) {
	c.queueSize.Store(int64(n))
}

// RecordEvent counts one ingested event toward the rate window.
func (c *Controller) RecordEvent() {
	now := time.Now().Unix()

	c.mu.Lock()
	idx := int(now % int64(len(c.buckets)))
	if c.bucketSec[idx] != now {
		c.bucketSec[idx] = now
		c.buckets[idx] = 0
	}
	c.buckets[idx]++
	c.mu.Unlock()
}

// EventRate returns the observed event rate in events/second over the
// sliding window.
func (c *Controller) EventRate() float64 {
	now := time.Now().Unix()

	c.mu.RLock()
	defer c.mu.RUnlock()

	window := int64(len(c.buckets))
	var total int64
	for i, sec := range c.bucketSec {
		if now-sec < window {
			total += c.buckets[i]
		}
	}
	return float64(total) / float64(window)
}

// queueLevel classifies the queue depth signal. It caps at Critical;
// Overloaded requires both signals (see CurrentPressure).
func (c *Controller) queueLevel(n int64) Level {
	t := c.config
	switch {
	case n >= int64(t.QueueCritical):
		return LevelCritical
	case n >= int64(t.QueueHigh):
		return LevelHigh
	case n >= int64(t.QueueModerate):
		return LevelModerate
	default:
		return LevelNormal
	}
}

// rateLevel classifies the event rate signal.
func (c *Controller) rateLevel(rate float64) Level {
	t := c.config
	switch {
	case rate >= t.RateCritical:
		return LevelCritical
	case rate >= t.RateHigh:
		return LevelHigh
	case rate >= t.RateModerate:
		return LevelModerate
	default:
		return LevelNormal
	}
}

// CurrentPressure derives the pressure level from the last-observed
// counters. Pure and synchronous; it does not transition state.
//
// The combined level is the max of the queue and rate signals. Each
// signal alone caps at Critical; Overloaded is reached only when both
// signals are critical at once.
func (c *Controller) CurrentPressure() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	ql := c.queueLevel(c.queueSize.Load())
	rl := c.rateLevel(c.EventRate())

	if ql == LevelCritical && rl == LevelCritical {
		return LevelOverloaded
	}
	return maxLevel(ql, rl)
}

// Evaluate recomputes the pressure level, records the transition, and
// logs on change. Intended to be called periodically.
func (c *Controller) Evaluate() Level {
	newLevel := c.CurrentPressure()
	oldLevel := Level(c.level.Load())

	if newLevel != oldLevel {
		c.level.Store(int32(newLevel))

		c.mu.Lock()
		c.stats.LevelChanges++
		switch newLevel {
		case LevelModerate:
			c.stats.ModerateCount++
		case LevelHigh:
			c.stats.HighCount++
		case LevelCritical:
			c.stats.CriticalCount++
		case LevelOverloaded:
			c.stats.OverloadedCount++
		}
		c.mu.Unlock()

		logging.Component("backpressure").Info("pressure level changed",
			"old", oldLevel.String(),
			"new", newLevel.String(),
			"queue", c.queueSize.Load(),
			"rate", c.EventRate(),
		)
	}

	return newLevel
}

// LastLevel returns the level recorded by the most recent Evaluate call.
func (c *Controller) LastLevel() Level {
	return Level(c.level.Load())
}

// ShouldApplyBackpressure returns true for High, Critical and Overloaded.
func (c *Controller) ShouldApplyBackpressure() bool {
	return c.CurrentPressure() >= LevelHigh
}

// ThrottleRate returns the fraction of new work that should be rejected,
// monotonically increasing with pressure.
func (c *Controller) ThrottleRate() float64 {
	switch c.CurrentPressure() {
	case LevelModerate:
		return 0.1
	case LevelHigh:
		return 0.3
	case LevelCritical:
		return 0.6
	case LevelOverloaded:
		return 1.0
	default:
		return 0
	}
}

// QueueSizeLimit returns the effective admission limit for the current
// pressure level. The limit shrinks as pressure rises; Overloaded halves
// the moderate threshold.
func (c *Controller) QueueSizeLimit() int {
	t := c.config
	switch c.CurrentPressure() {
	case LevelNormal:
		return t.QueueCritical
	case LevelModerate:
		return t.QueueHigh
	case LevelHigh, LevelCritical:
		return t.QueueModerate
	case LevelOverloaded:
		return t.QueueModerate / 2
	default:
		return t.QueueCritical
	}
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	level := c.CurrentPressure()
	rate := c.EventRate()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    level,
		QueueSize:       c.queueSize.Load(),
		EventRate:       rate,
		LevelChanges:    c.stats.LevelChanges,
		ModerateCount:   c.stats.ModerateCount,
		HighCount:       c.stats.HighCount,
		CriticalCount:   c.stats.CriticalCount,
		OverloadedCount: c.stats.OverloadedCount,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	QueueSize       int64
	EventRate       float64
	LevelChanges    int64
	ModerateCount   int64
	HighCount       int64
	CriticalCount   int64
	OverloadedCount int64
}

// IsEnabled returns whether backpressure classification is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
