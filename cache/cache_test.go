package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestCache(c *clock.FakeClock, max int) *Cache {
	return New(func(o *Options) {
		o.TTL = 10 * time.Hour
		o.MaxEntries = max
		o.Clock = c
	})
}

func TestCache_SlidingTTL(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 0)

	c.Put(core.NewSessionInfo("s1", "a", epoch, nil))

	fc.Advance(6 * time.Hour)
	entry, ok := c.Get("s1")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(16*time.Hour), entry.ExpiresAt, "get must extend the lease from access time")

	fc.Advance(9 * time.Hour)
	require.True(t, c.Touch("s1"))
	entry, _ = c.Peek("s1")
	assert.Equal(t, epoch.Add(25*time.Hour), entry.ExpiresAt)

	fc.Advance(10*time.Hour + time.Second)
	_, ok = c.Get("s1")
	assert.False(t, ok, "entry untouched for longer than the ttl must not read as live")
	assert.False(t, c.Touch("s1"))

	expired := c.ListExpired(fc.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].Session.ID)
	assert.Equal(t, 1, c.Len(), "expired entries stay until finalized")
}

func TestCache_PeekDoesNotRefresh(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 0)
	c.Put(core.NewSessionInfo("s1", "a", epoch, nil))

	fc.Advance(time.Hour)
	entry, ok := c.Peek("s1")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Hour), entry.ExpiresAt)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := newTestCache(clock.Fake(epoch), 0)
	c.Put(core.NewSessionInfo("s1", "a", epoch, map[string]string{"k": "v"}))

	entry, _ := c.Get("s1")
	entry.Session.Metadata["k"] = "changed"

	again, _ := c.Get("s1")
	assert.Equal(t, "v", again.Session.Metadata["k"])
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(clock.Fake(epoch), 0)
	c.Put(core.NewSessionInfo("s1", "a", epoch, nil))

	assert.True(t, c.Remove("s1"))
	assert.False(t, c.Remove("s1"))
	_, ok := c.Peek("s1")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsedExpired(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 2)

	c.Put(core.NewSessionInfo("older", "a", epoch, nil))
	fc.Advance(time.Minute)
	c.Put(core.NewSessionInfo("newer", "a", fc.Now(), nil))
	fc.Advance(11 * time.Hour)

	evicted := c.Put(core.NewSessionInfo("fresh", "a", fc.Now(), nil))
	require.Len(t, evicted, 1)
	assert.Equal(t, "older", evicted[0].Session.ID)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("newer")
	assert.True(t, ok)
}

func TestCache_NeverEvictsLiveActive(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 1)

	c.Put(core.NewSessionInfo("live-1", "a", epoch, nil))
	evicted := c.Put(core.NewSessionInfo("live-2", "a", epoch, nil))

	assert.Empty(t, evicted)
	assert.Equal(t, 2, c.Len(), "capacity is soft when only live active sessions remain")
}

func TestCache_EvictsExpiredActive(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 1)

	c.Put(core.NewSessionInfo("old", "a", epoch, nil))
	fc.Advance(11 * time.Hour)

	evicted := c.Put(core.NewSessionInfo("new", "a", fc.Now(), nil))
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].Session.ID)
}

func TestCache_ListLive(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 0)

	c.Put(core.NewSessionInfo("old", "a", epoch, nil))
	fc.Advance(9 * time.Hour)
	c.Put(core.NewSessionInfo("s1", "a", fc.Now(), nil))
	fc.Advance(time.Minute)
	c.Put(core.NewSessionInfo("s2", "a", fc.Now(), nil))
	fc.Advance(2 * time.Hour)

	live := c.ListLive(fc.Now())
	require.Len(t, live, 2)
	assert.Equal(t, "s2", live[0].Session.ID)
	assert.Equal(t, "s1", live[1].Session.ID)

	e, _ := c.Peek("s1")
	assert.Equal(t, epoch.Add(19*time.Hour), e.ExpiresAt, "listing does not refresh")
}

func TestCache_Tombstones(t *testing.T) {
	fc := clock.Fake(epoch)
	c := newTestCache(fc, 0)

	c.Bury("s1", epoch.Add(time.Hour))
	assert.True(t, c.Buried("s1"))
	assert.False(t, c.Buried("s2"))

	fc.Advance(2 * time.Hour)
	assert.False(t, c.Buried("s1"))
	assert.Equal(t, 1, c.PurgeTombstones(fc.Now()))
	assert.Equal(t, 0, c.PurgeTombstones(fc.Now()))
}
