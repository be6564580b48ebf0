package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the backend operation a QueuedEvent maps to.
type EventKind string

const (
	// EventCreate maps to BackendStore.CreateSession.
	EventCreate EventKind = "create"
	// EventActivity maps to BackendStore.UpdateSession.
	EventActivity EventKind = "activity"
	// EventClose maps to BackendStore.CloseSession.
	EventClose EventKind = "close"
)

// QueuedEvent is an immutable record of one mutation intent destined for the
// backend. It carries the full session snapshot taken right after the
// mutation; Fields derives the merge payload from it, and the snapshot lets a
// dispatcher recreate a backend record that went missing.
//
// Ownership: created by the tracker or sweeper, owned by the event queue
// until it is delivered or dropped after exhausting retries.
type QueuedEvent struct {
	ID         string      `json:"id"`
	Kind       EventKind   `json:"kind"`
	SessionID  string      `json:"session_id"`
	Session    SessionInfo `json:"session"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Attempts   int         `json:"attempt_count"`
}

// NewQueuedEvent builds an event of the given kind from a snapshot.
func NewQueuedEvent(kind EventKind, snapshot SessionInfo, now time.Time) QueuedEvent {
	return QueuedEvent{
		ID:         NewID(),
		Kind:       kind,
		SessionID:  snapshot.ID,
		Session:    snapshot.Clone(),
		EnqueuedAt: now,
	}
}

// Fields returns the merge payload carried by the event.
func (e QueuedEvent) Fields() MergeFields { return FieldsOf(e.Session) }

// Retried returns a copy of the event with its attempt counter incremented.
func (e QueuedEvent) Retried() QueuedEvent {
	e.Attempts++
	return e
}

// NewID generates a new unique identifier for sessions and events.
func NewID() string { return uuid.NewString() }
