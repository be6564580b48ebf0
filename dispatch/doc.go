// Package dispatch drains the event queue into a core.BackendStore.
//
// One worker per queue shard wakes when a full batch is pending or the flush
// interval elapses, takes a batch and delivers it session by session, in
// enqueue order. A transient failure puts the failed event and every later
// event of the same session back at the front of that session's queue and
// holds the session back with exponential backoff; other sessions keep
// flowing. Events that exhaust their attempts, or fail permanently, are
// dropped and handed to the configured core.ErrorReporter.
//
// Deliveries are merges: activity and close events whose backend record is
// missing recreate it from the snapshot they carry.
package dispatch
