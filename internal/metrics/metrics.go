// Package metrics exposes pipeline statistics as Prometheus metrics.
//
// The collector reads a Stats snapshot on every scrape instead of
// keeping its own counters, so the pipeline components stay free of
// metrics plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/auditpipe/auditpipe/internal/pipeline"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// Collector implements prometheus.Collector over a pipeline service.
type Collector struct {
	svc *pipeline.Service

	published        *prometheus.Desc
	throttleRejected *prometheus.Desc
	queueRejected    *prometheus.Desc
	batchesFlushed   *prometheus.Desc
	eventsFlushed    *prometheus.Desc
	flushErrors      *prometheus.Desc
	eventsDropped    *prometheus.Desc

	queueSize     *prometheus.Desc
	pressureLevel *prometheus.Desc
	eventRate     *prometheus.Desc
	levelChanges  *prometheus.Desc

	avgBatchSize *prometheus.Desc

	poolTotal    *prometheus.Desc
	poolActive   *prometheus.Desc
	poolReuses   *prometheus.Desc
	poolFailures *prometheus.Desc

	breakerState    *prometheus.Desc
	breakerOpens    *prometheus.Desc
	breakerErrRate  *prometheus.Desc
	breakerLatencyP95 *prometheus.Desc

	tierStored   *prometheus.Desc
	tierMigrated *prometheus.Desc
	tierExpired  *prometheus.Desc
}

// NewCollector creates a collector over the service.
func NewCollector(svc *pipeline.Service) *Collector {
	tier := []string{"tier"}
	return &Collector{
		svc: svc,

		published: prometheus.NewDesc("auditpipe_events_published_total",
			"Events accepted by admission control", nil, nil),
		throttleRejected: prometheus.NewDesc("auditpipe_events_throttled_total",
			"Events rejected by the throttle gate", nil, nil),
		queueRejected: prometheus.NewDesc("auditpipe_events_queue_rejected_total",
			"Events rejected because the queue was full", nil, nil),
		batchesFlushed: prometheus.NewDesc("auditpipe_batches_flushed_total",
			"Batches written to tiered storage", nil, nil),
		eventsFlushed: prometheus.NewDesc("auditpipe_events_flushed_total",
			"Events written to tiered storage", nil, nil),
		flushErrors: prometheus.NewDesc("auditpipe_flush_errors_total",
			"Failed batch writes", nil, nil),
		eventsDropped: prometheus.NewDesc("auditpipe_events_dropped_total",
			"Events lost in failed batch writes", nil, nil),

		queueSize: prometheus.NewDesc("auditpipe_queue_size",
			"Current batcher queue depth", nil, nil),
		pressureLevel: prometheus.NewDesc("auditpipe_pressure_level",
			"Current pressure level rank (0=normal .. 4=overloaded)", nil, nil),
		eventRate: prometheus.NewDesc("auditpipe_event_rate",
			"Observed event rate over the sliding window, events/second", nil, nil),
		levelChanges: prometheus.NewDesc("auditpipe_pressure_level_changes_total",
			"Pressure level transitions", nil, nil),

		avgBatchSize: prometheus.NewDesc("auditpipe_batch_size_avg",
			"Running average flushed batch size", nil, nil),

		poolTotal: prometheus.NewDesc("auditpipe_pool_connections",
			"Connections held by the tier pool", tier, nil),
		poolActive: prometheus.NewDesc("auditpipe_pool_active_connections",
			"Connections currently checked out", tier, nil),
		poolReuses: prometheus.NewDesc("auditpipe_pool_reuses_total",
			"Connection reuses", tier, nil),
		poolFailures: prometheus.NewDesc("auditpipe_pool_dial_failures_total",
			"Failed connection dials", tier, nil),

		breakerState: prometheus.NewDesc("auditpipe_breaker_state",
			"Breaker state (0=closed, 1=open, 2=half-open)", tier, nil),
		breakerOpens: prometheus.NewDesc("auditpipe_breaker_opens_total",
			"Times the breaker opened", tier, nil),
		breakerErrRate: prometheus.NewDesc("auditpipe_breaker_error_rate",
			"Windowed error rate seen by the breaker", tier, nil),
		breakerLatencyP95: prometheus.NewDesc("auditpipe_backend_latency_p95_seconds",
			"95th percentile backend call latency", tier, nil),

		tierStored: prometheus.NewDesc("auditpipe_tier_events_stored_total",
			"Events stored per tier", tier, nil),
		tierMigrated: prometheus.NewDesc("auditpipe_tier_events_migrated_total",
			"Events migrated out of each tier", tier, nil),
		tierExpired: prometheus.NewDesc("auditpipe_tier_events_expired_total",
			"Events expired from each tier", tier, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.svc.Stats()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.published, st.Published)
	counter(c.throttleRejected, st.ThrottleRejected)
	counter(c.queueRejected, st.QueueRejected)
	counter(c.batchesFlushed, st.BatchesFlushed)
	counter(c.eventsFlushed, st.EventsFlushed)
	counter(c.flushErrors, st.FlushErrors)
	counter(c.eventsDropped, st.EventsDropped)

	gauge(c.queueSize, float64(st.QueueSize))
	gauge(c.pressureLevel, float64(st.Pressure.Rank()))
	gauge(c.eventRate, st.Backpressure.EventRate)
	counter(c.levelChanges, st.Backpressure.LevelChanges)

	gauge(c.avgBatchSize, st.Batcher.AvgBatchSize)

	for tier, ps := range st.Pools {
		label := tier.String()
		gauge(c.poolTotal, float64(ps.Total), label)
		gauge(c.poolActive, float64(ps.Active), label)
		counter(c.poolReuses, ps.Reuses, label)
		counter(c.poolFailures, ps.DialFailures, label)
	}

	for tier, bm := range st.Breakers {
		label := tier.String()
		gauge(c.breakerState, float64(bm.State), label)
		counter(c.breakerOpens, bm.Opens, label)
		gauge(c.breakerErrRate, bm.ErrorRate, label)
		gauge(c.breakerLatencyP95, bm.LatencyP95, label)
	}

	for _, tier := range types.AllTiers() {
		ts := st.Tiers.Tiers[tier]
		label := tier.String()
		counter(c.tierStored, ts.EventsStored, label)
		counter(c.tierMigrated, ts.EventsMigrated, label)
		counter(c.tierExpired, ts.EventsExpired, label)
	}
}

// Register registers the collector with the registerer.
// A nil registerer means the default one.
func Register(svc *pipeline.Service, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := NewCollector(svc)
	reg.MustRegister(c)
	return c
}
