package testutil

import (
	"time"

	"github.com/hupe1980/agentbay/core"
)

// Epoch is the default start time used by builders.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// SessionBuilder helps construct session snapshots with fluent chaining for tests.
// Example:
//
//	info := NewSessionBuilder("sess-1").Agent("support").Messages(3).Ended(core.StatusCompleted, at).Build()
type SessionBuilder struct {
	info core.SessionInfo
}

// NewSessionBuilder creates a builder for an active session started at Epoch.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{info: core.NewSessionInfo(id, "agent", Epoch, nil)}
}

// Agent sets the agent id (chainable).
func (b *SessionBuilder) Agent(id string) *SessionBuilder { b.info.AgentID = id; return b }

// StartedAt moves both start and last activity to t (chainable).
func (b *SessionBuilder) StartedAt(t time.Time) *SessionBuilder {
	b.info.StartedAt = t
	b.info.LastActivityAt = t
	return b
}

// LastActivity sets the last activity timestamp (chainable).
func (b *SessionBuilder) LastActivity(t time.Time) *SessionBuilder {
	b.info.LastActivityAt = t
	return b
}

// Messages sets the message count (chainable).
func (b *SessionBuilder) Messages(n int) *SessionBuilder { b.info.MessageCount = n; return b }

// Meta sets one metadata key (chainable).
func (b *SessionBuilder) Meta(key, val string) *SessionBuilder {
	b.info.Metadata[key] = val
	return b
}

// Observe applies a quality observation without moving timestamps (chainable).
func (b *SessionBuilder) Observe(d core.Delta) *SessionBuilder {
	b.info.Quality.Observe(d)
	return b
}

// Ended finishes the session with status at t (chainable). Invalid
// transitions are ignored.
func (b *SessionBuilder) Ended(status core.Status, t time.Time) *SessionBuilder {
	_ = b.info.Finish(status, t, core.Outcome{})
	return b
}

// Build returns a copy of the built snapshot.
func (b *SessionBuilder) Build() core.SessionInfo { return b.info.Clone() }
