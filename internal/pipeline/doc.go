// Package pipeline implements the resilient ingestion pipeline for
// audit events.
//
// The pipeline is built from five cooperating components:
//
//   - backpressure: classifies load into pressure levels from queue
//     depth and event rate, and derives throttle rates and shrinking
//     admission limits.
//   - batcher: accumulates admitted events in a bounded queue and
//     releases them as batches under a size, time, hybrid, or adaptive
//     policy.
//   - breaker: a three-state circuit breaker that fails fast against a
//     struggling backend and probes it again after a cooldown.
//   - pool: a bounded connection pool with dial retry, reuse, health
//     checking, and idle cleanup.
//   - tiered: routes events to hot, warm, and cold storage tiers by
//     age, fans queries out across tiers, and migrates aging events
//     down the chain.
//
// Service ties them together: Publish runs admission control and feeds
// the batcher, background workers flush batches into tiered storage and
// keep pressure, pools, and lifecycle state current.
package pipeline
