package core

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrSessionNotFound is returned to callers when neither the local cache
	// nor the backend holds a live record for the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyActive is returned by Start when the session id is already live.
	ErrAlreadyActive = errors.New("session already active")

	// ErrSessionClosed is returned when a mutation targets a session that has
	// already reached a terminal status.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidStatus is returned for unknown or misplaced status values.
	ErrInvalidStatus = errors.New("invalid session status")

	// ErrBackendUnavailable marks a transient backend failure. The dispatcher
	// retries events failing with it; callers never see it synchronously.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotFound is returned by BackendStore implementations when the record
	// does not exist (or has passed its backend expiry).
	ErrNotFound = errors.New("backend record not found")

	// ErrConflict is returned by BackendStore.CreateSession when a record
	// with the same id already exists.
	ErrConflict = errors.New("backend record already exists")

	// ErrQueueFull is returned by the event queue when its high watermark
	// is reached.
	ErrQueueFull = errors.New("event queue full")

	// ErrListUnsupported is returned when the backend cannot enumerate
	// sessions, i.e. it does not implement SessionLister.
	ErrListUnsupported = errors.New("backend cannot list sessions")

	// ErrEventDropped wraps the last delivery error of an event that was
	// permanently discarded.
	ErrEventDropped = errors.New("event dropped")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
