// Package cache implements the local, sliding-TTL session cache that sits in
// front of the authoritative backend.
//
// Every access (Put, Get, Touch) extends an entry's lease to access time +
// TTL. Expired entries are invisible to Get / Touch but stay in the map until
// the sweeper terminalizes them via ListExpired, so a session that silently
// times out still reaches the backend with a final status.
//
// Capacity is a soft bound: when exceeded, the least recently touched
// entries whose lease already expired are evicted. Ended sessions leave the
// cache at once, so live active sessions are the only ones ever kept over
// the bound.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
)

// Entry wraps a session snapshot with its local lease. Entries handed out
// by the cache are copies.
type Entry struct {
	Session   core.SessionInfo
	ExpiresAt time.Time
	TouchedAt time.Time
}

// Options configures a Cache.
type Options struct {
	// TTL is the sliding lease granted on every access.
	TTL time.Duration
	// MaxEntries bounds the number of cached sessions. Zero means unbounded.
	MaxEntries int
	// Clock provides access times. Defaults to clock.Real().
	Clock clock.Clock
}

// Cache is safe for concurrent use.
type Cache struct {
	clock      clock.Clock
	ttl        time.Duration
	maxEntries int

	mu         sync.Mutex
	entries    map[string]*list.Element // value: *Entry
	lru        *list.List               // front = most recently touched
	tombstones map[string]time.Time     // session id -> buried until
}

// New constructs an empty cache.
func New(optFns ...func(o *Options)) *Cache {
	opts := Options{
		TTL:   core.DefaultLocalTTL,
		Clock: clock.Real(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Cache{
		clock:      opts.Clock,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		tombstones: make(map[string]time.Time),
	}
}

// TTL returns the sliding lease length.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put stores (or replaces) a snapshot and grants it a fresh lease. It returns
// the entries evicted to honour MaxEntries; the caller owns their
// finalization.
func (c *Cache) Put(info core.SessionInfo) []Entry {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{Session: info.Clone(), ExpiresAt: now.Add(c.ttl), TouchedAt: now}
	if el, ok := c.entries[info.ID]; ok {
		el.Value = entry
		c.lru.MoveToFront(el)
	} else {
		c.entries[info.ID] = c.lru.PushFront(entry)
	}
	return c.evictLocked(now, info.ID)
}

// Get returns a live entry and refreshes its lease. Expired entries are
// reported as a miss and left untouched.
func (c *Cache) Get(sessionID string) (Entry, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(sessionID, now)
	if !ok {
		return Entry{}, false
	}
	c.refreshLocked(sessionID, entry, now)
	return copyEntry(entry), true
}

// Peek returns an entry regardless of expiry without refreshing it.
func (c *Cache) Peek(sessionID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(el.Value.(*Entry)), true
}

// Touch refreshes the lease of a live entry without changing its content.
func (c *Cache) Touch(sessionID string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(sessionID, now)
	if !ok {
		return false
	}
	c.refreshLocked(sessionID, entry, now)
	return true
}

// Remove deletes an entry and reports whether it was present.
func (c *Cache) Remove(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	c.lru.Remove(el)
	delete(c.entries, sessionID)
	return true
}

// ListExpired returns every entry whose lease has passed at now, oldest
// touch first.
func (c *Cache) ListExpired(now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []Entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*Entry)
		if core.Expired(entry.ExpiresAt, now) {
			expired = append(expired, copyEntry(entry))
		}
	}
	return expired
}

// ListLive returns every entry still live at now, most recently touched
// first. Leases are not refreshed.
func (c *Cache) ListLive(now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var live []Entry
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if !core.Expired(entry.ExpiresAt, now) {
			live = append(live, copyEntry(entry))
		}
	}
	return live
}

// Len returns the number of cached entries, live or expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bury remembers that a session reached a terminal status so that it is not
// resurrected from a backend which has not yet seen the close.
func (c *Cache) Bury(sessionID string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tombstones[sessionID] = until
}

// Buried reports whether a live tombstone exists for the session.
func (c *Cache) Buried(sessionID string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.tombstones[sessionID]
	return ok && !core.Expired(until, now)
}

// PurgeTombstones drops tombstones that lapsed at now and returns how many
// were removed.
func (c *Cache) PurgeTombstones(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, until := range c.tombstones {
		if core.Expired(until, now) {
			delete(c.tombstones, id)
			n++
		}
	}
	return n
}

func (c *Cache) liveLocked(sessionID string, now time.Time) (*Entry, bool) {
	el, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*Entry)
	if core.Expired(entry.ExpiresAt, now) {
		return nil, false
	}
	return entry, true
}

func (c *Cache) refreshLocked(sessionID string, entry *Entry, now time.Time) {
	entry.ExpiresAt = now.Add(c.ttl)
	entry.TouchedAt = now
	c.lru.MoveToFront(c.entries[sessionID])
}

// evictLocked trims the cache down to maxEntries, never evicting keep. Only
// entries whose lease has lapsed are evicted, oldest access first; live
// entries make the capacity soft. The cache only ever holds active sessions.
func (c *Cache) evictLocked(now time.Time, keep string) []Entry {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return nil
	}

	var evicted []Entry
	for el := c.lru.Back(); el != nil && len(c.entries) > c.maxEntries; {
		prev := el.Prev()
		entry := el.Value.(*Entry)
		if entry.Session.ID != keep && core.Expired(entry.ExpiresAt, now) {
			c.lru.Remove(el)
			delete(c.entries, entry.Session.ID)
			evicted = append(evicted, copyEntry(entry))
		}
		el = prev
	}
	return evicted
}

func copyEntry(e *Entry) Entry {
	return Entry{Session: e.Session.Clone(), ExpiresAt: e.ExpiresAt, TouchedAt: e.TouchedAt}
}
