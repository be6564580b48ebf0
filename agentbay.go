// Package agentbay tracks AI agent sessions against the AgentBay backend.
//
// A Client owns one session tracker: a local cache of live sessions with a
// sliding 10 hour lease, a queue of lifecycle events delivered to the
// backend in the background, and an expiry sweeper that marks idle sessions
// abandoned. The backend keeps records for 20 hours, so a restarted process
// (or a second replica) resumes sessions that are no longer cached locally.
//
// Typical use:
//
//	cfg, err := config.Load()
//	client, err := agentbay.New(func(o *agentbay.Options) { o.Config = cfg })
//	defer client.Close(ctx)
//
//	s, err := client.Start(ctx, "support-bot")
//	client.RecordActivity(ctx, s.ID, core.Delta{Messages: 2})
//	client.End(ctx, s.ID, core.StatusCompleted)
//
// LLM calls can be recorded automatically with the decorators in
// instrument/openai and instrument/anthropic.
package agentbay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/config"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/instrument"
	"github.com/hupe1980/agentbay/internal/codec"
	"github.com/hupe1980/agentbay/logging"
	"github.com/hupe1980/agentbay/session"
	"github.com/hupe1980/agentbay/session/remote"
	"github.com/hupe1980/agentbay/session/sqlitestore"
	"github.com/hupe1980/agentbay/tracker"
)

// Options configures a Client.
type Options struct {
	// Config defaults to config.Default() with the memory driver when nil.
	Config *config.Config
	// Backend overrides the driver selected by Config.
	Backend core.BackendStore

	// Logger defaults to a StructuredLogger built from Config.Logging.
	Logger logging.Logger
	// Reporter receives dropped events. Defaults to a logging reporter.
	Reporter core.ErrorReporter
	Tracer   trace.Tracer
	Clock    clock.Clock
	// HTTPClient is used by the http driver.
	HTTPClient *http.Client
}

// Client is the entry point of the library. It is safe for concurrent use.
type Client struct {
	tracker *tracker.Tracker
	backend core.BackendStore
	logger  logging.Logger
	opts    Options

	cancel    context.CancelFunc
	done      chan error
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New builds the backend named by the configuration, starts the background
// workers and returns a ready Client. Close must be called to flush pending
// events.
func New(optFns ...func(o *Options)) (*Client, error) {
	opts := Options{Clock: clock.Real()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
		opts.Config.Backend.Driver = config.DriverMemory
	}
	cfg := opts.Config
	if opts.Backend == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("agentbay: invalid config: %w", err)
		}
	}

	if opts.Logger == nil {
		l, err := newLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		opts.Logger = l
	}
	if opts.Reporter == nil {
		opts.Reporter = logging.NewFailureReporter(opts.Logger)
	}

	c := &Client{logger: opts.Logger, opts: opts, backend: opts.Backend}
	if c.backend == nil {
		if err := c.openBackend(); err != nil {
			return nil, err
		}
	}

	dup, err := tracker.ParseDuplicatePolicy(cfg.Session.DuplicateStart)
	if err != nil {
		c.closeBackend()
		return nil, err
	}

	c.tracker = tracker.New(c.backend, func(o *tracker.Options) {
		o.TTL = core.TTLPolicy{Local: cfg.Session.LocalTTL.Std(), Backend: cfg.Session.BackendTTL.Std()}
		o.MaxCacheEntries = cfg.Session.MaxCacheEntries
		o.FetchTimeout = cfg.Session.FetchTimeout.Std()
		o.DuplicateStart = dup
		o.SkipStartLookup = cfg.Session.SkipStartLookup
		o.MaxQueueSize = cfg.Queue.MaxSize
		o.Shards = cfg.Queue.Shards
		o.BatchSize = cfg.Dispatcher.BatchSize
		o.FlushInterval = cfg.Dispatcher.Interval.Std()
		o.MaxAttempts = cfg.Dispatcher.MaxAttempts
		o.InitialBackoff = cfg.Dispatcher.InitialBackoff.Std()
		o.MaxBackoff = cfg.Dispatcher.MaxBackoff.Std()
		o.RequestTimeout = cfg.Backend.RequestTimeout.Std()
		o.SweepInterval = cfg.Sweeper.Interval.Std()
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.Reporter = opts.Reporter
		if opts.Tracer != nil {
			o.Tracer = opts.Tracer
		}
	})

	c.start()
	c.logger.Info("AgentBay client started", "backend", c.driver())
	return c, nil
}

func newLogger(cfg config.LoggingConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("agentbay: %w", err)
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    cfg.Format,
		Component: "agentbay",
	}), nil
}

func (c *Client) driver() string {
	if c.opts.Backend != nil {
		return "custom"
	}
	return c.opts.Config.Backend.Driver
}

func (c *Client) openBackend() error {
	cfg := c.opts.Config
	switch cfg.Backend.Driver {
	case config.DriverMemory:
		c.backend = session.NewInMemoryStore(func(o *session.InMemoryOptions) {
			o.TTL = cfg.Session.BackendTTL.Std()
			o.Clock = c.opts.Clock
		})
	case config.DriverSQLite:
		store, err := sqlitestore.Open(cfg.Backend.SQLitePath, func(o *sqlitestore.Options) {
			o.TTL = cfg.Session.BackendTTL.Std()
			o.Clock = c.opts.Clock
			o.Logger = c.logger
		})
		if err != nil {
			return fmt.Errorf("agentbay: %w", err)
		}
		c.backend = store
		c.closers = append(c.closers, store.Close)
	case config.DriverHTTP:
		cd, err := codec.Parse(cfg.Backend.Codec)
		if err != nil {
			return fmt.Errorf("agentbay: %w", err)
		}
		comp, err := codec.ParseCompression(cfg.Backend.Compression)
		if err != nil {
			return fmt.Errorf("agentbay: %w", err)
		}
		httpClient := c.opts.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.Backend.RequestTimeout.Std()}
		}
		client, err := remote.New(func(o *remote.Options) {
			o.BaseURL = cfg.APIURL
			o.APIKey = cfg.APIKey
			o.HTTPClient = httpClient
			o.Codec = cd
			o.Compression = comp
			o.Logger = c.logger
		})
		if err != nil {
			return fmt.Errorf("agentbay: %w", err)
		}
		c.backend = client
	default:
		return fmt.Errorf("agentbay: unknown backend driver %q", cfg.Backend.Driver)
	}
	return nil
}

func (c *Client) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan error, 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.tracker.Run(ctx) })
	if store, ok := c.backend.(*sqlitestore.Store); ok {
		g.Go(func() error { return c.purgeLoop(ctx, store) })
	}
	go func() { c.done <- g.Wait() }()
}

// purgeLoop deletes sqlite rows whose backend lease has lapsed.
func (c *Client) purgeLoop(ctx context.Context, store *sqlitestore.Store) error {
	ticker := c.opts.Clock.NewTicker(c.opts.Config.Sweeper.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				c.logger.Warn("purging expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("purged expired sessions", "count", n)
			}
		}
	}
}

// Tracker exposes the underlying session tracker.
func (c *Client) Tracker() *tracker.Tracker { return c.tracker }

// Backend returns the authoritative store the client writes to.
func (c *Client) Backend() core.BackendStore { return c.backend }

// Start begins a session for agentID. See tracker.Tracker.Start.
func (c *Client) Start(ctx context.Context, agentID string, optFns ...func(o *tracker.StartOptions)) (core.SessionInfo, error) {
	return c.tracker.Start(ctx, agentID, optFns...)
}

// RecordActivity applies delta to a live session.
func (c *Client) RecordActivity(ctx context.Context, sessionID string, delta core.Delta) (core.SessionInfo, error) {
	return c.tracker.RecordActivity(ctx, sessionID, delta)
}

// End finishes a session with a terminal status.
func (c *Client) End(ctx context.Context, sessionID string, status core.Status, optFns ...func(o *tracker.EndOptions)) (core.SessionInfo, error) {
	return c.tracker.End(ctx, sessionID, status, optFns...)
}

// Get returns a live session, falling back to the backend on a cache miss.
func (c *Client) Get(ctx context.Context, sessionID string) (core.SessionInfo, error) {
	return c.tracker.Get(ctx, sessionID)
}

// ListActive returns the live sessions of one agent. See
// tracker.Tracker.ListActive.
func (c *Client) ListActive(ctx context.Context, agentID string) ([]core.SessionInfo, error) {
	return c.tracker.ListActive(ctx, agentID)
}

// Instrumenter returns an Instrumenter that records LLM calls on this client.
func (c *Client) Instrumenter(optFns ...func(o *instrument.Options)) *instrument.Instrumenter {
	base := func(o *instrument.Options) {
		o.Logger = c.logger
		o.Clock = c.opts.Clock
		if c.opts.Tracer != nil {
			o.Tracer = c.opts.Tracer
		}
	}
	return instrument.New(c.tracker, append([]func(o *instrument.Options){base}, optFns...)...)
}

// Close flushes pending events, stops the background workers and releases
// the backend. Events still pending when ctx ends are reported as an error.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		flushErr := c.tracker.Close(ctx)
		c.cancel()
		runErr := <-c.done
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		c.closeErr = errors.Join(flushErr, runErr, c.closeBackend())
		c.logger.Info("AgentBay client closed", "error", c.closeErr)
	})
	return c.closeErr
}

func (c *Client) closeBackend() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
