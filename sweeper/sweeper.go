// Package sweeper finalizes sessions whose local lease expired without an
// explicit end. Each such session is marked abandoned, exactly one close
// event is queued for it and a tombstone keeps it from being resumed while
// the backend may still hold an active copy.
package sweeper

import (
	"context"
	"time"

	"github.com/hupe1980/agentbay/cache"
	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
)

// KeyLocker serializes work on one session id.
type KeyLocker interface {
	Lock(key string) (unlock func())
}

// Submitter accepts close events.
type Submitter interface {
	Submit(ctx context.Context, ev core.QueuedEvent)
}

// Options configures a Sweeper.
type Options struct {
	// Interval is the sweep cadence.
	Interval time.Duration
	// TTL decides how long tombstones live.
	TTL    core.TTLPolicy
	Clock  clock.Clock
	Logger logging.Logger
}

// Sweeper periodically scans the cache for expired entries.
type Sweeper struct {
	cache  *cache.Cache
	locks  KeyLocker
	events Submitter
	opts   Options
}

// New creates a sweeper. locks must be the same locker the tracker uses so
// a sweep never races an End of the same session.
func New(c *cache.Cache, locks KeyLocker, events Submitter, optFns ...func(o *Options)) *Sweeper {
	opts := Options{
		Interval: 5 * time.Minute,
		TTL:      core.DefaultTTLPolicy(),
		Clock:    clock.Real(),
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Sweeper{cache: c, locks: locks, events: events, opts: opts}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep abandons every expired active entry, purges lapsed tombstones and
// returns the number of sessions abandoned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := s.opts.Clock.Now()

	abandoned := 0
	for _, e := range s.cache.ListExpired(start) {
		if s.finalize(ctx, e.Session.ID) {
			abandoned++
		}
	}
	purged := s.cache.PurgeTombstones(start)

	dur := s.opts.Clock.Now().Sub(start)
	if sl, ok := s.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogSweep(abandoned, purged, dur)
	} else if abandoned > 0 || purged > 0 {
		s.opts.Logger.Info("expiry sweep completed", "abandoned", abandoned, "tombstones_purged", purged)
	}
	return abandoned
}

// finalize re-checks the entry under its key lock, since an access may have
// refreshed it after ListExpired ran.
func (s *Sweeper) finalize(ctx context.Context, sessionID string) bool {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.FinalizeLocked(ctx, sessionID)
}

// FinalizeLocked abandons the session if its cache entry expired. The caller
// must hold the session's key lock.
func (s *Sweeper) FinalizeLocked(ctx context.Context, sessionID string) bool {
	now := s.opts.Clock.Now()
	entry, ok := s.cache.Peek(sessionID)
	if !ok || !core.Expired(entry.ExpiresAt, now) {
		return false
	}
	s.cache.Remove(sessionID)
	return s.abandonLocked(ctx, entry.Session, now)
}

// Abandon finalizes entries the cache evicted to honour its capacity. It
// must be called without holding any session lock.
func (s *Sweeper) Abandon(ctx context.Context, evicted []cache.Entry) int {
	n := 0
	for _, e := range evicted {
		unlock := s.locks.Lock(e.Session.ID)
		if _, back := s.cache.Peek(e.Session.ID); !back {
			if s.abandonLocked(ctx, e.Session, s.opts.Clock.Now()) {
				n++
			}
		}
		unlock()
	}
	return n
}

func (s *Sweeper) abandonLocked(ctx context.Context, info core.SessionInfo, now time.Time) bool {
	if info.Status != core.StatusActive {
		return false
	}
	if err := info.Finish(core.StatusAbandoned, now, core.Outcome{}); err != nil {
		return false
	}
	s.cache.Bury(info.ID, s.opts.TTL.BackendExpiry(info.LastActivityAt))
	s.events.Submit(ctx, core.NewQueuedEvent(core.EventClose, info, now))
	s.opts.Logger.Debug("session abandoned", "session_id", info.ID, "last_activity_at", info.LastActivityAt)
	return true
}
