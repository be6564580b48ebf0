package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbay/cache"
	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/internal/keylock"
	"github.com/hupe1980/agentbay/queue"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk   *clock.FakeClock
	cache *cache.Cache
	queue *queue.Sharded
	sw    *Sweeper
}

func newFixture(t *testing.T, maxEntries int) *fixture {
	t.Helper()
	f := &fixture{clk: clock.Fake(t0)}
	f.cache = cache.New(func(o *cache.Options) {
		o.Clock = f.clk
		o.MaxEntries = maxEntries
	})
	f.queue = queue.New(func(o *queue.Options) { o.Clock = f.clk })
	f.sw = New(f.cache, keylock.New(16), f.queue, func(o *Options) { o.Clock = f.clk })
	return f
}

func (f *fixture) closeEvents() []core.QueuedEvent {
	var out []core.QueuedEvent
	for {
		batch := f.queue.Shard(0).DequeueBatch(100, f.clk.Now())
		if len(batch) == 0 {
			return out
		}
		for _, ev := range batch {
			if ev.Kind == core.EventClose {
				out = append(out, ev)
			}
		}
	}
}

func TestSweep_AbandonsExpiredSessionOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.cache.Put(core.NewSessionInfo("s1", "agent", t0, nil))

	f.clk.Advance(10 * time.Hour)
	assert.Zero(t, f.sw.Sweep(context.Background()), "lease is still live at exactly ttl")

	f.clk.Advance(time.Minute)
	assert.Equal(t, 1, f.sw.Sweep(context.Background()))
	assert.Zero(t, f.sw.Sweep(context.Background()), "second sweep must not emit again")

	events := f.closeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, core.StatusAbandoned, events[0].Session.Status)
	assert.Equal(t, t0, events[0].Session.LastActivityAt)
	require.NotNil(t, events[0].Session.EndedAt)
	assert.Equal(t, t0.Add(10*time.Hour+time.Minute), *events[0].Session.EndedAt)

	_, ok := f.cache.Peek("s1")
	assert.False(t, ok)
	assert.True(t, f.cache.Buried("s1"))
}

func TestSweep_ConcurrentPassesAbandonEachSessionOnce(t *testing.T) {
	f := newFixture(t, 0)
	const sessions, sweepers = 64, 8
	for i := 0; i < sessions; i++ {
		f.cache.Put(core.NewSessionInfo(fmt.Sprintf("s%d", i), "agent", t0, nil))
	}
	f.clk.Advance(10*time.Hour + time.Second)

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int64(f.sw.Sweep(context.Background())))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(sessions), total.Load())
	assert.Zero(t, f.cache.Len())

	events := f.closeEvents()
	require.Len(t, events, sessions)
	seen := make(map[string]bool, sessions)
	for _, ev := range events {
		assert.False(t, seen[ev.SessionID], "duplicate close for %s", ev.SessionID)
		seen[ev.SessionID] = true
		assert.Equal(t, core.StatusAbandoned, ev.Session.Status)
	}
}

func TestSweep_SkipsRefreshedSession(t *testing.T) {
	f := newFixture(t, 0)
	f.cache.Put(core.NewSessionInfo("s1", "agent", t0, nil))
	f.clk.Advance(9 * time.Hour)
	require.True(t, f.cache.Touch("s1"))

	f.clk.Advance(2 * time.Hour)
	assert.Zero(t, f.sw.Sweep(context.Background()))
	assert.Empty(t, f.closeEvents())
}

func TestSweep_PurgesTombstones(t *testing.T) {
	f := newFixture(t, 0)
	f.cache.Put(core.NewSessionInfo("s1", "agent", t0, nil))
	f.clk.Advance(11 * time.Hour)
	f.sw.Sweep(context.Background())
	require.True(t, f.cache.Buried("s1"))

	f.clk.Advance(10 * time.Hour) // past last activity + 20h
	f.sw.Sweep(context.Background())
	assert.False(t, f.cache.Buried("s1"))
}

func TestAbandon_EvictedEntries(t *testing.T) {
	f := newFixture(t, 1)
	f.cache.Put(core.NewSessionInfo("old", "agent", t0, nil))
	f.clk.Advance(11 * time.Hour)

	evicted := f.cache.Put(core.NewSessionInfo("new", "agent", f.clk.Now(), nil))
	require.Len(t, evicted, 1)

	assert.Equal(t, 1, f.sw.Abandon(context.Background(), evicted))
	events := f.closeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "old", events[0].SessionID)
	assert.True(t, f.cache.Buried("old"))
}

func TestRun_SweepsOnTicker(t *testing.T) {
	f := newFixture(t, 0)
	f.cache.Put(core.NewSessionInfo("s1", "agent", t0, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sw.Run(ctx) }()
	f.clk.WaitForTimers(1)

	f.clk.Advance(10*time.Hour + 5*time.Minute)
	assert.Eventually(t, func() bool { return f.queue.Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
