package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/hupe1980/agentbay"
	"github.com/hupe1980/agentbay/config"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
	"github.com/hupe1980/agentbay/session"
	"github.com/hupe1980/agentbay/session/remote"
	"github.com/hupe1980/agentbay/session/sqlitestore"
	"github.com/hupe1980/agentbay/tracker"
)

// globals are the flags shared by every command.
type globals struct {
	configPath string
	backend    string
	sqlitePath string
	logLevel   string
}

func (g *globals) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "YAML config file (default $"+config.EnvConfig+")")
	fs.StringVar(&g.backend, "backend", "", "backend driver: http, sqlite or memory")
	fs.StringVar(&g.sqlitePath, "sqlite-path", "", "database file of the sqlite driver")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
}

func (g *globals) load() (*config.Config, error) {
	return config.LoadWith(g.configPath, func(c *config.Config) {
		if g.backend != "" {
			c.Backend.Driver = g.backend
		}
		if g.sqlitePath != "" {
			c.Backend.SQLitePath = g.sqlitePath
		}
		if g.logLevel != "" {
			c.Logging.Level = g.logLevel
		}
	})
}

// withClient opens a client, runs fn and flushes on the way out.
func (g *globals) withClient(ctx context.Context, fn func(c *agentbay.Client) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	client, err := agentbay.New(func(o *agentbay.Options) { o.Config = cfg })
	if err != nil {
		return err
	}
	runErr := fn(client)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, client.Close(closeCtx))
}

func printSession(w io.Writer, info core.SessionInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return nil
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

func runStart(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var (
		agent string
		id    string
		meta  map[string]string
	)
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	fs.StringVar(&agent, "agent", "", "agent identifier (required)")
	fs.StringVar(&id, "id", "", "session id (generated when empty)")
	fs.StringToStringVar(&meta, "meta", nil, "session metadata as key=value pairs")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag("agent", agent); err != nil {
		return err
	}

	return g.withClient(ctx, func(c *agentbay.Client) error {
		info, err := c.Start(ctx, agent, tracker.WithSessionID(id), tracker.WithMetadata(meta))
		if err != nil {
			return err
		}
		return printSession(stdout, info)
	})
}

func runActivity(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var (
		id         string
		delta      core.Delta
		result     string
		prompt     int64
		completion int64
	)
	fs := pflag.NewFlagSet("activity", pflag.ContinueOnError)
	fs.StringVar(&id, "id", "", "session id (required)")
	fs.IntVar(&delta.Messages, "messages", 1, "messages exchanged")
	fs.DurationVar(&delta.Latency, "latency", 0, "response latency")
	fs.StringVar(&result, "result", "", "success or failure")
	fs.Int64Var(&prompt, "prompt-tokens", 0, "prompt tokens used")
	fs.Int64Var(&completion, "completion-tokens", 0, "completion tokens used")
	fs.StringToStringVar(&delta.Metadata, "meta", nil, "metadata to merge as key=value pairs")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", id); err != nil {
		return err
	}
	switch result {
	case "":
	case "success":
		delta.Result = core.ResultSuccess
	case "failure":
		delta.Result = core.ResultFailure
	default:
		return fmt.Errorf("unknown result %q", result)
	}
	delta.PromptTokens = prompt
	delta.CompletionTokens = completion

	return g.withClient(ctx, func(c *agentbay.Client) error {
		info, err := c.RecordActivity(ctx, id, delta)
		if err != nil {
			return err
		}
		return printSession(stdout, info)
	})
}

func runEnd(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var id, status, quality, reason string
	fs := pflag.NewFlagSet("end", pflag.ContinueOnError)
	fs.StringVar(&id, "id", "", "session id (required)")
	fs.StringVar(&status, "status", string(core.StatusCompleted), "completed, failed or abandoned")
	fs.StringVar(&quality, "quality", "", "conversation quality: excellent, good, fair or poor")
	fs.StringVar(&reason, "reason", "", "failure reason")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", id); err != nil {
		return err
	}
	st, err := core.ParseStatus(status)
	if err != nil {
		return err
	}
	var opts []func(o *tracker.EndOptions)
	if quality != "" {
		q, err := core.ParseConversationQuality(quality)
		if err != nil {
			return err
		}
		opts = append(opts, tracker.WithQuality(q))
	}
	if reason != "" {
		opts = append(opts, tracker.WithFailureReason(reason))
	}

	return g.withClient(ctx, func(c *agentbay.Client) error {
		info, err := c.End(ctx, id, st, opts...)
		if err != nil {
			return err
		}
		return printSession(stdout, info)
	})
}

func runGet(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var id string
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	fs.StringVar(&id, "id", "", "session id (required)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", id); err != nil {
		return err
	}

	return g.withClient(ctx, func(c *agentbay.Client) error {
		info, err := c.Get(ctx, id)
		if err != nil {
			return err
		}
		return printSession(stdout, info)
	})
}

func runList(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var agent string
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.StringVar(&agent, "agent", "", "agent identifier (required)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag("agent", agent); err != nil {
		return err
	}

	return g.withClient(ctx, func(c *agentbay.Client) error {
		sessions, err := c.ListActive(ctx, agent)
		if err != nil {
			return err
		}
		if sessions == nil {
			sessions = []core.SessionInfo{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	})
}

func runServe(ctx context.Context, g *globals, args []string, stdout io.Writer) error {
	var addr, apiKey string
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	fs.StringVar(&apiKey, "api-key", "", "bearer token required from clients (default $"+config.EnvAPIKey+")")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if apiKey == "" {
		apiKey = cfg.APIKey
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: level, Format: cfg.Logging.Format, Component: "agentbay-serve"})

	var store core.BackendStore
	switch cfg.Backend.Driver {
	case config.DriverSQLite:
		s, err := sqlitestore.Open(cfg.Backend.SQLitePath, func(o *sqlitestore.Options) {
			o.TTL = cfg.Session.BackendTTL.Std()
			o.Logger = logger
		})
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	case config.DriverMemory:
		store = session.NewInMemoryStore(func(o *session.InMemoryOptions) { o.TTL = cfg.Session.BackendTTL.Std() })
	default:
		return fmt.Errorf("serve needs the sqlite or memory driver, got %q", cfg.Backend.Driver)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: remote.NewHandler(store, func(o *remote.HandlerOptions) {
			o.APIKey = apiKey
			o.Logger = logger
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Fprintf(stdout, "serving session API on http://%s\n", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
