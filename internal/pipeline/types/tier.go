package types

import (
	"fmt"
	"time"
)

// Tier represents a storage tier with specific cost and latency
// characteristics. Events route to a tier by age.
type Tier int

const (
	// TierHot stores recent events in the columnar hot store.
	// Typical read latency: ~10ms.
	TierHot Tier = iota

	// TierWarm stores aging events in compressed file storage.
	// Typical read latency: ~500ms.
	TierWarm

	// TierCold stores archived events in heavily compressed storage.
	// Reads may take minutes; cold queries are rare.
	TierCold
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Next returns the next tier for lifecycle migration.
// Returns the same tier if it's the last tier.
func (t Tier) Next() Tier {
	switch t {
	case TierHot:
		return TierWarm
	case TierWarm:
		return TierCold
	default:
		return t
	}
}

// IsLast returns true if this is the final tier.
func (t Tier) IsLast() bool {
	return t == TierCold
}

// ParseTier parses a string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	default:
		return TierHot, fmt.Errorf("unknown tier: %s", s)
	}
}

// AllTiers returns all tiers in hot-to-cold order.
func AllTiers() []Tier {
	return []Tier{TierHot, TierWarm, TierCold}
}

// LifecyclePolicy defines per-tier retention thresholds and migration
// behavior. This is configuration, not runtime state.
type LifecyclePolicy struct {
	// HotRetentionDays is the maximum age for events in the hot tier.
	HotRetentionDays int `yaml:"hot_retention_days"`

	// WarmRetentionDays is the maximum age for events in the warm tier.
	WarmRetentionDays int `yaml:"warm_retention_days"`

	// ColdRetentionDays is the maximum age before events are dropped
	// entirely. 0 means keep forever.
	ColdRetentionDays int `yaml:"cold_retention_days"`

	// AutoMigrate enables background lifecycle migration.
	AutoMigrate bool `yaml:"auto_migrate"`

	// MigrationBatchSize bounds the number of events moved per
	// migration pass, to avoid unbounded backend load during catch-up.
	MigrationBatchSize int `yaml:"migration_batch_size"`
}

// DefaultLifecyclePolicy returns the default lifecycle policy.
func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{
		HotRetentionDays:   7,
		WarmRetentionDays:  365,
		ColdRetentionDays:  0,
		AutoMigrate:        true,
		MigrationBatchSize: 1000,
	}
}

// SelectTier returns the tier for an event of the given age in days.
// Selection is a pure function of age and the policy thresholds.
func (p *LifecyclePolicy) SelectTier(ageDays int) Tier {
	switch {
	case ageDays <= p.HotRetentionDays:
		return TierHot
	case ageDays <= p.WarmRetentionDays:
		return TierWarm
	default:
		return TierCold
	}
}

// SelectTierForEvent returns the tier for an event relative to now.
func (p *LifecyclePolicy) SelectTierForEvent(e *Event, now time.Time) Tier {
	return p.SelectTier(e.AgeDays(now))
}

// TierBoundary returns the cutoff timestamp before which events no longer
// belong in the given tier. Returns (zero, false) for the last tier when
// ColdRetentionDays is 0.
func (p *LifecyclePolicy) TierBoundary(tier Tier, now time.Time) (time.Time, bool) {
	switch tier {
	case TierHot:
		return now.AddDate(0, 0, -p.HotRetentionDays), true
	case TierWarm:
		return now.AddDate(0, 0, -p.WarmRetentionDays), true
	case TierCold:
		if p.ColdRetentionDays <= 0 {
			return time.Time{}, false
		}
		return now.AddDate(0, 0, -p.ColdRetentionDays), true
	default:
		return time.Time{}, false
	}
}
