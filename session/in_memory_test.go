package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
)

// Interface compliance (compile-time assertions)
var (
	_ core.BackendStore  = (*InMemoryStore)(nil)
	_ core.SessionLister = (*InMemoryStore)(nil)
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*InMemoryStore, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0)
	return NewInMemoryStore(func(o *InMemoryOptions) { o.Clock = clk }), clk
}

func TestInMemoryStore_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	info := core.NewSessionInfo("s1", "agent", t0, nil)

	require.NoError(t, s.CreateSession(ctx, info))
	err := s.CreateSession(ctx, info)
	assert.ErrorIs(t, err, core.ErrConflict)

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(core.DefaultBackendTTL), rec.ExpiresAt)
}

func TestInMemoryStore_UpdateMissing(t *testing.T) {
	s, _ := newStore(t)
	err := s.UpdateSession(context.Background(), "nope", core.MergeFields{LastActivityAt: t0})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInMemoryStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("s1", "a", t0, nil)))

	require.NoError(t, s.UpdateSession(ctx, "s1", core.MergeFields{LastActivityAt: t0.Add(2 * time.Minute), MessageCount: 4}))
	require.NoError(t, s.UpdateSession(ctx, "s1", core.MergeFields{LastActivityAt: t0.Add(time.Minute), MessageCount: 1}))

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Session.MessageCount)
	assert.Equal(t, t0.Add(2*time.Minute).Add(core.DefaultBackendTTL), rec.ExpiresAt)
}

func TestInMemoryStore_FirstTerminalStatusWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("s1", "a", t0, nil)))

	require.NoError(t, s.CloseSession(ctx, "s1", core.StatusCompleted, core.MergeFields{LastActivityAt: t0}))
	require.NoError(t, s.CloseSession(ctx, "s1", core.StatusAbandoned, core.MergeFields{LastActivityAt: t0}))

	rec, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, rec.Session.Status)

	err = s.CloseSession(ctx, "s1", core.StatusActive, core.MergeFields{})
	assert.ErrorIs(t, err, core.ErrInvalidStatus)
}

func TestInMemoryStore_RecordsExpire(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore(t)
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("s1", "a", t0, nil)))

	clk.Advance(core.DefaultBackendTTL + time.Second)

	_, err := s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("s1", "a", clk.Now(), nil)), "expired id may be reused")
}

func TestInMemoryStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	s.SetFault(func(op Op, _ string) error {
		if op == OpCreate {
			return fmt.Errorf("dial: %w", core.ErrBackendUnavailable)
		}
		return nil
	})

	err := s.CreateSession(ctx, core.NewSessionInfo("s1", "a", t0, nil))
	assert.True(t, core.IsTransient(err))
	assert.Zero(t, s.Len())

	s.SetFault(nil)
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("s1", "a", t0, nil)))

	calls := s.CallsFor("s1")
	require.Len(t, calls, 1)
	assert.Equal(t, OpCreate, calls[0].Op)
}

func TestInMemoryStore_ListActive(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore(t)

	stale := core.NewSessionInfo("stale", "bot", t0, nil)
	require.NoError(t, s.CreateSession(ctx, stale))
	clk.Advance(core.DefaultBackendTTL - time.Hour)

	now := clk.Now()
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("a", "bot", now, nil)))
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("b", "bot", now.Add(time.Second), nil)))
	require.NoError(t, s.CreateSession(ctx, core.NewSessionInfo("other", "someone-else", now, nil)))
	done := core.NewSessionInfo("done", "bot", now, nil)
	require.NoError(t, done.Finish(core.StatusCompleted, now, core.Outcome{}))
	require.NoError(t, s.CreateSession(ctx, done))

	clk.Advance(2 * time.Hour)
	list, err := s.ListActive(ctx, "bot")
	require.NoError(t, err)
	require.Len(t, list, 2, "expired, ended and foreign sessions are skipped")
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Empty(t, s.CallsFor(""), "listing is not a mutation")

	s.SetFault(func(op Op, _ string) error {
		if op == OpList {
			return core.ErrBackendUnavailable
		}
		return nil
	})
	_, err = s.ListActive(ctx, "bot")
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)
}
