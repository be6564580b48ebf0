// Package queue buffers mutation events on their way to the backend.
//
// Events are kept in one FIFO per session id so that a close can never
// overtake the create or activity events that preceded it. Sessions are
// spread over shards by hash of their id; each shard is meant to be drained
// by exactly one dispatcher worker at a time, which is what preserves
// per-session ordering when several workers run concurrently. Cross-session
// ordering is not guaranteed.
//
// Enqueue never blocks. When MaxSize is set, events beyond the high
// watermark are rejected with core.ErrQueueFull; Submit turns that into a
// failure record for the configured reporter.
package queue
