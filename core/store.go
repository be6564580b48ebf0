package core

import (
	"context"
	"time"
)

// Record is the backend's authoritative view of a session.
type Record struct {
	Session SessionInfo `json:"session"`
	// ExpiresAt is LastActivityAt + backend TTL. A zero value means the
	// backend did not report one and the caller derives it from its TTLPolicy.
	ExpiresAt time.Time `json:"backend_expires_at"`
}

// BackendStore persists sessions durably for longer than the local cache
// keeps them. Implementations must make CreateSession safe to retry and apply
// UpdateSession / CloseSession as merges keyed by session id with
// last-write-wins on LastActivityAt.
//
// Errors are mapped onto ErrNotFound, ErrConflict and ErrBackendUnavailable.
type BackendStore interface {
	CreateSession(ctx context.Context, info SessionInfo) error
	UpdateSession(ctx context.Context, sessionID string, fields MergeFields) error
	CloseSession(ctx context.Context, sessionID string, status Status, fields MergeFields) error
	GetSession(ctx context.Context, sessionID string) (Record, error)
}

// SessionLister is implemented by backends that can enumerate the live
// active sessions of one agent. It is optional; the tracker only needs
// BackendStore.
type SessionLister interface {
	// ListActive returns the agent's active sessions still within their
	// backend TTL, most recently active first.
	ListActive(ctx context.Context, agentID string) ([]SessionInfo, error)
}
