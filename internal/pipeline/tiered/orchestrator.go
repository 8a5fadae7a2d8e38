// Package tiered routes events across the hot, warm, and cold storage
// tiers. Tier selection is a pure function of event age, writes are
// grouped per tier, queries fan out across all tiers, and lifecycle
// migration moves aging events down the tier chain.
package tiered

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auditpipe/auditpipe/internal/backend"
	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// Orchestrator owns one guarded store per tier.
type Orchestrator struct {
	mu sync.Mutex

	stores map[types.Tier]backend.Store
	policy types.LifecyclePolicy
	log    *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	stats Stats
}

// TierStats holds per-tier counters.
type TierStats struct {
	EventsStored   int64
	EventsQueried  int64
	EventsMigrated int64
	EventsExpired  int64
	Errors         int64
}

// Stats holds orchestrator counters keyed by tier.
type Stats struct {
	Tiers      map[types.Tier]TierStats
	Migrations int64
}

// New creates an orchestrator over the given per-tier stores.
// All three tiers must be present.
func New(stores map[types.Tier]backend.Store, policy types.LifecyclePolicy) *Orchestrator {
	return &Orchestrator{
		stores: stores,
		policy: policy,
		log:    logging.Component("tiered"),
		now:    time.Now,
	}
}

// Store returns the backend for a tier.
func (o *Orchestrator) Store(tier types.Tier) backend.Store {
	return o.stores[tier]
}

// Policy returns the lifecycle policy.
func (o *Orchestrator) Policy() types.LifecyclePolicy {
	return o.policy
}

// StoreEvent routes a single event to the tier its age selects.
func (o *Orchestrator) StoreEvent(ctx context.Context, e types.Event) error {
	tier := o.policy.SelectTierForEvent(&e, o.now())
	if err := o.stores[tier].StoreEvent(ctx, e); err != nil {
		o.countError(tier)
		return err
	}
	o.countStored(tier, 1)
	return nil
}

// StoreBatch groups the batch by target tier and writes each group with
// one backend call. Most batches are fresh and land entirely on the hot
// tier; replayed or backfilled events go where their age says.
func (o *Orchestrator) StoreBatch(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	now := o.now()
	groups := make(map[types.Tier][]types.Event)
	for i := range events {
		tier := o.policy.SelectTierForEvent(&events[i], now)
		groups[tier] = append(groups[tier], events[i])
	}

	var firstErr error
	for tier, group := range groups {
		if err := o.stores[tier].StoreBatch(ctx, group); err != nil {
			o.countError(tier)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "store batch to %s tier", tier)
			}
			continue
		}
		o.countStored(tier, len(group))
	}
	return firstErr
}

// QueryEvents fans the query out to every tier concurrently and merges
// the results oldest first. A tier failing fast behind an open circuit
// contributes nothing instead of failing the whole query.
func (o *Orchestrator) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	results := make([][]types.Event, len(types.AllTiers()))

	g, ctx := errgroup.WithContext(ctx)
	for i, tier := range types.AllTiers() {
		i, tier := i, tier
		g.Go(func() error {
			events, err := o.stores[tier].QueryEvents(ctx, f)
			if err != nil {
				if errors.Is(err, errors.ErrCircuitOpen) {
					o.log.Warn("tier skipped, circuit open", "tier", tier.String())
					return nil
				}
				o.countError(tier)
				return errors.Wrap(err, "query %s tier", tier)
			}
			results[i] = events
			o.countQueried(tier, len(events))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.Event
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].TimestampMs < merged[j].TimestampMs
	})
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}
	return merged, nil
}

// HealthCheck probes every tier and returns the per-tier outcome.
// A nil map value means the tier is healthy.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[types.Tier]error {
	out := make(map[types.Tier]error, len(types.AllTiers()))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, tier := range types.AllTiers() {
		tier := tier
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.stores[tier].HealthCheck(ctx)
			mu.Lock()
			out[tier] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// RunLifecycleMigration walks each tier boundary once, moving events
// that have aged past it down to the next tier, at most
// MigrationBatchSize events per tier per run. Events aged past the cold
// retention are deleted. Disabled policies make this a no-op.
func (o *Orchestrator) RunLifecycleMigration(ctx context.Context) (int, error) {
	if !o.policy.AutoMigrate {
		return 0, nil
	}

	now := o.now()
	moved := 0

	// Cold to hot, so an event moves at most one tier per run and is
	// never re-examined in the pass that just moved it.
	tiers := types.AllTiers()
	for i := len(tiers) - 1; i >= 0; i-- {
		tier := tiers[i]
		boundary, expires := o.policy.TierBoundary(tier, now)
		if !expires {
			continue
		}
		cutoff := boundary.UnixMilli()

		n, err := o.migrateTier(ctx, tier, cutoff)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	o.mu.Lock()
	o.stats.Migrations++
	o.mu.Unlock()

	if moved > 0 {
		o.log.Info("lifecycle migration complete", "events", moved)
	}
	return moved, nil
}

// migrateTier moves events older than cutoff out of tier. For the last
// tier the events are expired rather than moved.
func (o *Orchestrator) migrateTier(ctx context.Context, tier types.Tier, cutoff int64) (int, error) {
	filter := types.Filter{Until: cutoff, Limit: o.policy.MigrationBatchSize}

	aged, err := o.stores[tier].QueryEvents(ctx, filter)
	if err != nil {
		o.countError(tier)
		return 0, errors.Wrap(err, "query aged events from %s tier", tier)
	}
	if len(aged) == 0 {
		return 0, nil
	}

	// The batch limit may have cut the query mid-timestamp. Deletion is
	// by time range, so pull in the remaining events sharing the last
	// timestamp to keep the moved set and the deleted set identical.
	if o.policy.MigrationBatchSize > 0 && len(aged) == o.policy.MigrationBatchSize {
		aged, err = o.absorbTies(ctx, tier, aged)
		if err != nil {
			return 0, err
		}
	}

	maxTs := aged[len(aged)-1].TimestampMs

	if tier.IsLast() {
		n, err := o.stores[tier].DeleteEvents(ctx, types.Filter{Until: maxTs})
		if err != nil {
			o.countError(tier)
			return 0, errors.Wrap(err, "expire events from %s tier", tier)
		}
		o.countExpired(tier, n)
		o.log.Debug("expired events", "tier", tier.String(), "events", n)
		return n, nil
	}

	next := tier.Next()
	// Store-then-delete: a crash between the two duplicates events in
	// the next tier rather than losing them.
	if err := o.stores[next].StoreBatch(ctx, aged); err != nil {
		o.countError(next)
		return 0, errors.Wrap(err, "store migrated events to %s tier", next)
	}

	n, err := o.stores[tier].DeleteEvents(ctx, types.Filter{Until: maxTs})
	if err != nil {
		o.countError(tier)
		return 0, errors.Wrap(err, "delete migrated events from %s tier", tier)
	}

	o.countMigrated(tier, n)
	o.log.Debug("migrated events", "from", tier.String(), "to", next.String(), "events", n)
	return n, nil
}

// absorbTies extends the migration set with all events sharing the last
// timestamp in aged that the limit cut off.
func (o *Orchestrator) absorbTies(ctx context.Context, tier types.Tier, aged []types.Event) ([]types.Event, error) {
	lastTs := aged[len(aged)-1].TimestampMs

	ties, err := o.stores[tier].QueryEvents(ctx, types.Filter{Since: lastTs, Until: lastTs})
	if err != nil {
		o.countError(tier)
		return nil, errors.Wrap(err, "query timestamp ties from %s tier", tier)
	}

	seen := make(map[string]struct{}, len(aged))
	for i := range aged {
		seen[aged[i].ID] = struct{}{}
	}
	for i := range ties {
		if _, ok := seen[ties[i].ID]; !ok {
			aged = append(aged, ties[i])
		}
	}
	return aged, nil
}

// Close closes every tier store.
func (o *Orchestrator) Close() error {
	var firstErr error
	for _, tier := range types.AllTiers() {
		if err := o.stores[tier].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the per-tier counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := Stats{
		Tiers:      make(map[types.Tier]TierStats, len(o.stats.Tiers)),
		Migrations: o.stats.Migrations,
	}
	for tier, ts := range o.stats.Tiers {
		out.Tiers[tier] = ts
	}
	return out
}

func (o *Orchestrator) countStored(tier types.Tier, n int) {
	o.mu.Lock()
	ts := o.tierStatsLocked(tier)
	ts.EventsStored += int64(n)
	o.stats.Tiers[tier] = *ts
	o.mu.Unlock()
}

func (o *Orchestrator) countQueried(tier types.Tier, n int) {
	o.mu.Lock()
	ts := o.tierStatsLocked(tier)
	ts.EventsQueried += int64(n)
	o.stats.Tiers[tier] = *ts
	o.mu.Unlock()
}

func (o *Orchestrator) countMigrated(tier types.Tier, n int) {
	o.mu.Lock()
	ts := o.tierStatsLocked(tier)
	ts.EventsMigrated += int64(n)
	o.stats.Tiers[tier] = *ts
	o.mu.Unlock()
}

func (o *Orchestrator) countExpired(tier types.Tier, n int) {
	o.mu.Lock()
	ts := o.tierStatsLocked(tier)
	ts.EventsExpired += int64(n)
	o.stats.Tiers[tier] = *ts
	o.mu.Unlock()
}

func (o *Orchestrator) countError(tier types.Tier) {
	o.mu.Lock()
	ts := o.tierStatsLocked(tier)
	ts.Errors++
	o.stats.Tiers[tier] = *ts
	o.mu.Unlock()
}

func (o *Orchestrator) tierStatsLocked(tier types.Tier) *TierStats {
	if o.stats.Tiers == nil {
		o.stats.Tiers = make(map[types.Tier]TierStats)
	}
	ts := o.stats.Tiers[tier]
	return &ts
}
