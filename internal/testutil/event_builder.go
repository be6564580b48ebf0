package testutil

import (
	"time"

	"github.com/hupe1980/agentbay/core"
)

// EventBuilder provides a fluent helper for constructing queued events in tests.
// Example:
//
//	ev := NewEventBuilder(core.EventActivity, info).Attempts(2).Build()
type EventBuilder struct {
	ev core.QueuedEvent
}

// NewEventBuilder creates an event of kind carrying a snapshot of info,
// enqueued at Epoch.
func NewEventBuilder(kind core.EventKind, info core.SessionInfo) *EventBuilder {
	return &EventBuilder{ev: core.NewQueuedEvent(kind, info, Epoch)}
}

// ID overrides the generated event id (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.ev.ID = id; return b }

// At sets the enqueue time (chainable).
func (b *EventBuilder) At(t time.Time) *EventBuilder { b.ev.EnqueuedAt = t; return b }

// Attempts sets the attempt counter (chainable).
func (b *EventBuilder) Attempts(n int) *EventBuilder { b.ev.Attempts = n; return b }

// Build returns the event.
func (b *EventBuilder) Build() core.QueuedEvent { return b.ev }

// Lifecycle returns create, activity and close events for one session, in
// that order.
func Lifecycle(id string) []core.QueuedEvent {
	created := NewSessionBuilder(id).Build()
	active := created.Clone()
	_ = active.ApplyDelta(core.Delta{Messages: 2, Result: core.ResultSuccess}, Epoch.Add(time.Minute))
	closed := active.Clone()
	_ = closed.Finish(core.StatusCompleted, Epoch.Add(2*time.Minute), core.Outcome{Quality: core.QualityGood})

	return []core.QueuedEvent{
		NewEventBuilder(core.EventCreate, created).Build(),
		NewEventBuilder(core.EventActivity, active).At(Epoch.Add(time.Minute)).Build(),
		NewEventBuilder(core.EventClose, closed).At(Epoch.Add(2 * time.Minute)).Build(),
	}
}
