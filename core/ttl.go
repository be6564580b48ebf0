package core

import (
	"fmt"
	"time"
)

const (
	// DefaultLocalTTL is the sliding lease of a cached session.
	DefaultLocalTTL = 10 * time.Hour
	// DefaultBackendTTL is how long the backend keeps a record after its
	// last activity.
	DefaultBackendTTL = 20 * time.Hour
)

// TTLPolicy computes expiry for the two independently expiring stores.
// Backend must be strictly longer than Local so the local cache is always a
// fast path subset of backend truth.
type TTLPolicy struct {
	Local   time.Duration
	Backend time.Duration
}

// DefaultTTLPolicy returns the 10h / 20h policy.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{Local: DefaultLocalTTL, Backend: DefaultBackendTTL}
}

// Validate checks the policy invariants.
func (p TTLPolicy) Validate() error {
	if p.Local <= 0 {
		return fmt.Errorf("local ttl must be positive, got %s", p.Local)
	}
	if p.Backend <= p.Local {
		return fmt.Errorf("backend ttl (%s) must exceed local ttl (%s)", p.Backend, p.Local)
	}
	return nil
}

// LocalExpiry returns the sliding local lease deadline for an access at t.
func (p TTLPolicy) LocalExpiry(t time.Time) time.Time { return t.Add(p.Local) }

// BackendExpiry returns the backend deadline for a record last active at t.
func (p TTLPolicy) BackendExpiry(lastActivity time.Time) time.Time {
	return lastActivity.Add(p.Backend)
}

// Expired reports whether a deadline has passed at now. A deadline equal to
// now is still live.
func Expired(deadline, now time.Time) bool { return now.After(deadline) }

// RecordLive reports whether a backend record is still within its window.
func (p TTLPolicy) RecordLive(rec Record, now time.Time) bool {
	deadline := rec.ExpiresAt
	if deadline.IsZero() {
		deadline = p.BackendExpiry(rec.Session.LastActivityAt)
	}
	return !Expired(deadline, now)
}
