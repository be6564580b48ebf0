// Package core provides the foundational domain types and contracts used by
// AgentBay's session continuity engine. It defines:
//
//   - SessionInfo (the canonical conversation snapshot) and its Status lifecycle
//   - QualityMetrics (latency samples, success / failure tallies, token usage)
//   - Delta and MergeFields (what callers change and what the backend merges)
//   - QueuedEvent (an immutable mutation intent destined for the backend)
//   - BackendStore (the authoritative, longer lived session store)
//   - ErrorReporter (sink for permanently dropped events)
//   - TTLPolicy (local sliding lease vs. backend retention windows)
//
// The package intentionally keeps implementation concerns (caching, queueing,
// transport) out of scope, exposing small interfaces so concrete backends can
// live in sub packages of session without changing calling code.
package core
