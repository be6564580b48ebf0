package agentbay

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/config"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/instrument"
	"github.com/hupe1980/agentbay/internal/testutil"
	"github.com/hupe1980/agentbay/logging"
	"github.com/hupe1980/agentbay/session"
	"github.com/hupe1980/agentbay/session/remote"
	"github.com/hupe1980/agentbay/tracker"
)

func newClient(t *testing.T, cfg *config.Config, clk clock.Clock) *Client {
	t.Helper()
	c, err := New(func(o *Options) {
		o.Config = cfg
		o.Clock = clk
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)
	return c
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend.Driver = config.DriverMemory
	return cfg
}

func TestClient_MemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testutil.Epoch)
	c := newClient(t, memoryConfig(), clk)

	s, err := c.Start(ctx, "support-bot", tracker.WithSessionID("s1"))
	require.NoError(t, err)
	_, err = c.RecordActivity(ctx, s.ID, core.Delta{Messages: 2, Result: core.ResultSuccess})
	require.NoError(t, err)
	_, err = c.End(ctx, s.ID, core.StatusCompleted, tracker.WithQuality(core.QualityGood))
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx), "close is idempotent")

	rec, err := c.Backend().GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, rec.Session.Status)
	assert.Equal(t, 2, rec.Session.MessageCount)
	assert.Equal(t, core.QualityGood, rec.Session.Conversation)

	_, err = c.Start(ctx, "support-bot")
	assert.ErrorIs(t, err, tracker.ErrClosed)
}

func TestClient_SQLiteResumesAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testutil.Epoch)
	cfg := config.Default()
	cfg.Backend.Driver = config.DriverSQLite
	cfg.Backend.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")

	first := newClient(t, cfg, clk)
	s, err := first.Start(ctx, "bot", tracker.WithSessionID("resume-me"))
	require.NoError(t, err)
	_, err = first.RecordActivity(ctx, s.ID, core.Delta{Messages: 3})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	clk.Advance(11 * time.Hour)

	second := newClient(t, cfg, clk)
	defer func() { require.NoError(t, second.Close(ctx)) }()

	got, err := second.Get(ctx, "resume-me")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, got.Status)
	assert.Equal(t, 3, got.MessageCount)

	_, err = second.RecordActivity(ctx, "resume-me", core.Delta{Messages: 1})
	require.NoError(t, err)

	list, err := second.ListActive(ctx, "bot")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 4, list[0].MessageCount)
}

func TestClient_HTTPBackend(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testutil.Epoch)
	store := session.NewInMemoryStore(func(o *session.InMemoryOptions) { o.Clock = clk })
	srv := httptest.NewServer(remote.NewHandler(store, func(o *remote.HandlerOptions) { o.APIKey = "key" }))
	defer srv.Close()

	cfg := config.Default()
	cfg.APIKey = "key"
	cfg.APIURL = srv.URL
	cfg.Backend.Codec = "cbor"
	cfg.Backend.Compression = "zstd"

	c := newClient(t, cfg, clk)
	s, err := c.Start(ctx, "bot")
	require.NoError(t, err)
	_, err = c.End(ctx, s.ID, core.StatusFailed, tracker.WithFailureReason("tool crashed"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	rec, ok := store.Snapshot(s.ID)
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, rec.Session.Status)
	assert.Equal(t, "tool crashed", rec.Session.FailureReason)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = ""

	_, err := New(func(o *Options) { o.Config = cfg })
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvAPIKey)

	cfg = memoryConfig()
	cfg.Session.DuplicateStart = "merge"
	_, err = New(func(o *Options) { o.Config = cfg })
	assert.Error(t, err)
}

func TestNew_CustomBackend(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(testutil.Epoch)
	store := session.NewInMemoryStore(func(o *session.InMemoryOptions) { o.Clock = clk })

	c, err := New(func(o *Options) {
		o.Backend = store
		o.Clock = clk
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)

	s, err := c.Start(ctx, "bot")
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))
	assert.Len(t, store.CallsFor(s.ID), 1)
}

func TestClient_Instrumenter(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, memoryConfig(), clock.Fake(testutil.Epoch))
	defer func() { require.NoError(t, c.Close(ctx)) }()

	s, err := c.Start(ctx, "bot")
	require.NoError(t, err)

	err = c.Instrumenter().Track(instrument.WithSession(ctx, s.ID), instrument.Call{Provider: "openai", Model: "gpt-4o-mini"},
		func(context.Context) (instrument.Usage, error) {
			return instrument.Usage{PromptTokens: 4, CompletionTokens: 6}, nil
		})
	require.NoError(t, err)

	got, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Quality.TotalTokens())
}
