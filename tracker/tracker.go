package tracker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentbay/cache"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/dispatch"
	"github.com/hupe1980/agentbay/internal/keylock"
	"github.com/hupe1980/agentbay/logging"
	"github.com/hupe1980/agentbay/queue"
	"github.com/hupe1980/agentbay/sweeper"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("tracker closed")

// Tracker composes the local cache, the event queue, the dispatcher and the
// sweeper around one backend. All methods are safe for concurrent use.
type Tracker struct {
	backend core.BackendStore
	opts    Options

	cache      *cache.Cache
	queue      *queue.Sharded
	dispatcher *dispatch.Dispatcher
	sweeper    *sweeper.Sweeper
	locks      *keylock.Striped

	closed atomic.Bool
}

// New creates a tracker over backend. Background work only starts with Run.
func New(backend core.BackendStore, optFns ...func(o *Options)) *Tracker {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Reporter == nil {
		opts.Reporter = core.NopReporter{}
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = core.NewID
	}
	if opts.DuplicateStart == "" {
		opts.DuplicateStart = DuplicateReject
	}

	t := &Tracker{
		backend: backend,
		opts:    opts,
		locks:   keylock.New(opts.LockStripes),
	}
	t.cache = cache.New(func(o *cache.Options) {
		o.TTL = opts.TTL.Local
		o.MaxEntries = opts.MaxCacheEntries
		o.Clock = opts.Clock
	})
	t.queue = queue.New(func(o *queue.Options) {
		o.MaxSize = opts.MaxQueueSize
		o.Shards = opts.Shards
		o.Reporter = opts.Reporter
		o.Logger = opts.Logger
		o.Clock = opts.Clock
	})
	t.dispatcher = dispatch.New(backend, t.queue, func(o *dispatch.Options) {
		o.BatchSize = opts.BatchSize
		o.Interval = opts.FlushInterval
		o.MaxAttempts = opts.MaxAttempts
		o.InitialBackoff = opts.InitialBackoff
		o.MaxBackoff = opts.MaxBackoff
		o.RequestTimeout = opts.RequestTimeout
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.Reporter = opts.Reporter
		o.Tracer = opts.Tracer
	})
	t.sweeper = sweeper.New(t.cache, t.locks, t.queue, func(o *sweeper.Options) {
		o.Interval = opts.SweepInterval
		o.TTL = opts.TTL
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})
	return t
}

// Start creates a new active session and queues its create event.
//
// A live id is handled per Options.DuplicateStart. A caller-supplied id the
// cache does not know is first looked up on the backend, bounded by
// Options.FetchTimeout, so a restarted process cannot overwrite a session
// another process still holds. Options.SkipStartLookup turns that off.
//
// An id that was ended or abandoned and whose backend record may still exist
// fails with core.ErrSessionClosed; the error also matches
// core.ErrAlreadyActive because the id stays taken.
func (t *Tracker) Start(ctx context.Context, agentID string, optFns ...func(o *StartOptions)) (core.SessionInfo, error) {
	if t.closed.Load() {
		return core.SessionInfo{}, ErrClosed
	}
	so := StartOptions{}
	for _, fn := range optFns {
		fn(&so)
	}
	id := so.SessionID

	var existing core.Record
	var onBackend bool
	if id == "" {
		id = t.opts.IDGenerator()
	} else if _, cached := t.cache.Peek(id); !cached && !t.cache.Buried(id) && !t.opts.SkipStartLookup {
		existing, onBackend = t.lookup(ctx, id)
	}

	unlock := t.locks.Lock(id)
	if entry, ok := t.cache.Get(id); ok {
		unlock()
		return t.duplicate(entry.Session)
	}
	// An expired entry the sweeper has not reached yet is abandoned first.
	t.sweeper.FinalizeLocked(ctx, id)
	if t.cache.Buried(id) {
		unlock()
		return core.SessionInfo{}, closedErr(id)
	}

	if onBackend {
		if existing.Session.Status != core.StatusActive {
			t.cache.Bury(id, t.opts.TTL.BackendExpiry(existing.Session.LastActivityAt))
			unlock()
			return core.SessionInfo{}, closedErr(id)
		}
		if t.opts.DuplicateStart != DuplicateResume {
			unlock()
			return t.duplicate(existing.Session)
		}
		evicted := t.cache.Put(existing.Session)
		unlock()
		t.sweeper.Abandon(ctx, evicted)
		t.opts.Logger.Info("session resumed from backend", "session_id", id, "last_activity_at", existing.Session.LastActivityAt)
		return existing.Session, nil
	}

	now := t.opts.Clock.Now()
	info := core.NewSessionInfo(id, agentID, now, so.Metadata)
	evicted := t.cache.Put(info)
	t.queue.Submit(ctx, core.NewQueuedEvent(core.EventCreate, info, now))
	unlock()

	t.sweeper.Abandon(ctx, evicted)
	t.opts.Logger.Debug("session started", "session_id", id, "agent_id", agentID)
	return info, nil
}

func (t *Tracker) duplicate(info core.SessionInfo) (core.SessionInfo, error) {
	if t.opts.DuplicateStart == DuplicateResume {
		return info, nil
	}
	return core.SessionInfo{}, fmt.Errorf("%w: %s", core.ErrAlreadyActive, info.ID)
}

func closedErr(sessionID string) error {
	return fmt.Errorf("%w: %w: %s", core.ErrSessionClosed, core.ErrAlreadyActive, sessionID)
}

// RecordActivity merges delta into the session and queues an activity
// event. A session missing locally is resumed from the backend when the
// backend still holds it active and within its TTL.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID string, delta core.Delta) (core.SessionInfo, error) {
	return t.mutate(ctx, sessionID, core.EventActivity, func(info *core.SessionInfo, now time.Time) error {
		return info.ApplyDelta(delta, now)
	})
}

// End moves the session into a terminal status, queues its close event and
// drops it from the local cache.
func (t *Tracker) End(ctx context.Context, sessionID string, status core.Status, optFns ...func(o *EndOptions)) (core.SessionInfo, error) {
	if !status.IsTerminal() {
		return core.SessionInfo{}, fmt.Errorf("%w: %q is not a final status", core.ErrInvalidStatus, status)
	}
	eo := EndOptions{}
	for _, fn := range optFns {
		fn(&eo)
	}
	return t.mutate(ctx, sessionID, core.EventClose, func(info *core.SessionInfo, now time.Time) error {
		return info.Finish(status, now, core.Outcome{Quality: eo.Quality, FailureReason: eo.FailureReason})
	})
}

// Get returns the session without queuing an event. A cache hit refreshes
// the local lease; a miss may block for up to Options.FetchTimeout on the
// backend and repopulates the cache on success.
func (t *Tracker) Get(ctx context.Context, sessionID string) (core.SessionInfo, error) {
	if entry, ok := t.cache.Get(sessionID); ok {
		return entry.Session, nil
	}

	unlock, info, err := t.resolveMiss(ctx, sessionID)
	if err != nil {
		return core.SessionInfo{}, err
	}
	evicted := t.cache.Put(info)
	unlock()

	t.sweeper.Abandon(ctx, evicted)
	return info, nil
}

// Result is delivered by GetAsync.
type Result struct {
	Session core.SessionInfo
	Err     error
}

// GetAsync runs Get in the background. The channel receives exactly one
// Result and is then closed.
func (t *Tracker) GetAsync(ctx context.Context, sessionID string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		info, err := t.Get(ctx, sessionID)
		ch <- Result{Session: info, Err: err}
	}()
	return ch
}

// ListActive returns the active sessions of agentID, most recently active
// first. The backend listing is overlaid with local state: cached sessions
// replace their backend copy, creates not yet delivered are included and
// sessions ended here are left out. The backend must implement
// core.SessionLister; the call is bounded by Options.FetchTimeout.
func (t *Tracker) ListActive(ctx context.Context, agentID string) ([]core.SessionInfo, error) {
	lister, ok := t.backend.(core.SessionLister)
	if !ok {
		return nil, core.ErrListUnsupported
	}
	if t.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.FetchTimeout)
		defer cancel()
	}
	listed, err := lister.ListActive(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", agentID, err)
	}

	byID := make(map[string]core.SessionInfo, len(listed))
	for _, info := range listed {
		if !t.cache.Buried(info.ID) {
			byID[info.ID] = info
		}
	}
	for _, e := range t.cache.ListLive(t.opts.Clock.Now()) {
		if e.Session.AgentID == agentID {
			byID[e.Session.ID] = e.Session
		}
	}
	out := slices.Collect(maps.Values(byID))
	slices.SortFunc(out, core.ByRecentActivity)
	return out, nil
}

// mutate runs fn against the current snapshot under the session lock and
// queues the resulting event. Close events remove the session from the cache.
func (t *Tracker) mutate(ctx context.Context, sessionID string, kind core.EventKind, fn func(*core.SessionInfo, time.Time) error) (core.SessionInfo, error) {
	if t.closed.Load() {
		return core.SessionInfo{}, ErrClosed
	}

	var info core.SessionInfo
	unlock := t.locks.Lock(sessionID)
	if entry, ok := t.cache.Get(sessionID); ok {
		info = entry.Session
	} else {
		unlock()
		var err error
		unlock, info, err = t.resolveMiss(ctx, sessionID)
		if err != nil {
			return core.SessionInfo{}, err
		}
	}

	now := t.opts.Clock.Now()
	if err := fn(&info, now); err != nil {
		unlock()
		return core.SessionInfo{}, err
	}

	var evicted []cache.Entry
	if kind == core.EventClose {
		t.cache.Remove(sessionID)
		t.cache.Bury(sessionID, t.opts.TTL.BackendExpiry(info.LastActivityAt))
	} else {
		evicted = t.cache.Put(info)
	}
	t.queue.Submit(ctx, core.NewQueuedEvent(kind, info, now))
	unlock()

	t.sweeper.Abandon(ctx, evicted)
	if kind == core.EventClose {
		t.opts.Logger.Debug("session ended", "session_id", sessionID, "status", string(info.Status))
	}
	return info, nil
}

// resolveMiss fetches the session from the backend without holding its lock,
// then takes the lock and re-checks the cache. On success the lock is held
// and returned to the caller.
func (t *Tracker) resolveMiss(ctx context.Context, sessionID string) (func(), core.SessionInfo, error) {
	if t.cache.Buried(sessionID) {
		return nil, core.SessionInfo{}, notFound(sessionID)
	}

	rec, err := t.fetch(ctx, sessionID)
	if err != nil {
		return nil, core.SessionInfo{}, err
	}

	unlock := t.locks.Lock(sessionID)
	if entry, ok := t.cache.Get(sessionID); ok {
		// resumed concurrently
		return unlock, entry.Session, nil
	}
	if t.cache.Buried(sessionID) {
		unlock()
		return nil, core.SessionInfo{}, notFound(sessionID)
	}

	info := rec.Session
	if stale, ok := t.cache.Peek(sessionID); ok && stale.Session.Status == core.StatusActive &&
		!stale.Session.LastActivityAt.Before(info.LastActivityAt) {
		// The expired local copy may hold writes the backend has not seen yet.
		info = stale.Session
	}
	t.opts.Logger.Info("session resumed from backend", "session_id", sessionID, "last_activity_at", info.LastActivityAt)
	return unlock, info, nil
}

// fetch reads a live, active record. Every failure, including a timeout,
// maps to core.ErrSessionNotFound.
func (t *Tracker) fetch(ctx context.Context, sessionID string) (core.Record, error) {
	rec, ok := t.lookup(ctx, sessionID)
	if !ok || rec.Session.Status != core.StatusActive {
		return core.Record{}, notFound(sessionID)
	}
	return rec, nil
}

// lookup reads a backend record that is still within its TTL, whatever its
// status. A backend failure counts as absent.
func (t *Tracker) lookup(ctx context.Context, sessionID string) (core.Record, bool) {
	if t.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.FetchTimeout)
		defer cancel()
	}

	rec, err := t.backend.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			t.opts.Logger.Warn("backend lookup failed", "session_id", sessionID, "error", err)
		}
		return core.Record{}, false
	}
	if !t.opts.TTL.RecordLive(rec, t.opts.Clock.Now()) {
		return core.Record{}, false
	}
	return rec, true
}

func notFound(sessionID string) error {
	return fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
}

// Run drives the dispatcher workers and the expiry sweeper until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.dispatcher.Run(ctx) })
	g.Go(func() error { return t.sweeper.Run(ctx) })
	return g.Wait()
}

// Sweep runs one expiry pass immediately.
func (t *Tracker) Sweep(ctx context.Context) int { return t.sweeper.Sweep(ctx) }

// Flush delivers every pending event, waiting out retry backoff, until the
// queue is empty or ctx ends.
func (t *Tracker) Flush(ctx context.Context) error { return t.dispatcher.Flush(ctx) }

// Close rejects further mutations and flushes the queue. Reads keep working.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.Flush(ctx); err != nil {
		t.opts.Logger.Error("flush on close incomplete", "error", err)
		return err
	}
	return nil
}

// Stats is a point in time view of the tracker.
type Stats struct {
	CachedSessions int
	PendingEvents  int
	dispatch.Stats
}

// Stats returns current counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		CachedSessions: t.cache.Len(),
		PendingEvents:  t.queue.Len(),
		Stats:          t.dispatcher.Stats(),
	}
}
