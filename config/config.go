// Package config loads AgentBay settings from a YAML file and the
// environment.
//
// Precedence, lowest first: built in defaults, the YAML file named by
// AGENTBAY_CONFIG (or passed to LoadFile), then AGENTBAY_* environment
// variables. Durations are written as Go duration strings ("10h", "2s").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by Load.
const (
	EnvAPIKey  = "AGENTBAY_API_KEY"
	EnvAPIURL  = "AGENTBAY_API_URL"
	EnvConfig  = "AGENTBAY_CONFIG"
	EnvBackend = "AGENTBAY_BACKEND"
	EnvSQLite  = "AGENTBAY_SQLITE_PATH"
	EnvLogLvl  = "AGENTBAY_LOG_LEVEL"
)

// DefaultAPIURL is the hosted AgentBay API.
const DefaultAPIURL = "https://api.agentbay.co"

// Backend drivers.
const (
	DriverHTTP   = "http"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Duration is a time.Duration that reads YAML duration strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete client configuration.
type Config struct {
	// APIKey authenticates against the HTTP backend.
	APIKey string `yaml:"api_key"`
	// APIURL is the base URL of the HTTP backend.
	APIURL string `yaml:"api_url"`

	Backend    BackendConfig    `yaml:"backend"`
	Session    SessionConfig    `yaml:"session"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BackendConfig selects and tunes the authoritative store.
type BackendConfig struct {
	// Driver is one of http, sqlite or memory.
	Driver string `yaml:"driver"`
	// SQLitePath is the database file of the sqlite driver.
	SQLitePath string `yaml:"sqlite_path"`
	// Compression of HTTP request bodies: none, gzip or zstd.
	Compression string `yaml:"compression"`
	// Codec of HTTP bodies: json or cbor.
	Codec string `yaml:"codec"`
	// RequestTimeout bounds a single backend call.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SessionConfig holds the lease and lookup settings.
type SessionConfig struct {
	LocalTTL        Duration `yaml:"local_ttl"`
	BackendTTL      Duration `yaml:"backend_ttl"`
	MaxCacheEntries int      `yaml:"max_cache_entries"`
	FetchTimeout    Duration `yaml:"fetch_timeout"`
	// DuplicateStart is reject or resume.
	DuplicateStart string `yaml:"duplicate_start"`
	// SkipStartLookup keeps Start from reading the backend for caller
	// supplied ids.
	SkipStartLookup bool `yaml:"skip_start_lookup"`
}

// QueueConfig bounds the event queue.
type QueueConfig struct {
	MaxSize int `yaml:"max_size"`
	Shards  int `yaml:"shards"`
}

// DispatcherConfig shapes delivery batching and retries.
type DispatcherConfig struct {
	BatchSize      int      `yaml:"batch_size"`
	Interval       Duration `yaml:"interval"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// SweeperConfig sets the expiry sweep cadence.
type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built in configuration.
func Default() *Config {
	return &Config{
		APIURL: DefaultAPIURL,
		Backend: BackendConfig{
			Driver:         DriverHTTP,
			SQLitePath:     "agentbay.db",
			Compression:    "none",
			Codec:          "json",
			RequestTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			LocalTTL:       Duration(10 * time.Hour),
			BackendTTL:     Duration(20 * time.Hour),
			FetchTimeout:   Duration(5 * time.Second),
			DuplicateStart: "reject",
		},
		Queue: QueueConfig{
			MaxSize: 10000,
			Shards:  1,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:      10,
			Interval:       Duration(2 * time.Second),
			MaxAttempts:    5,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
		},
		Sweeper: SweeperConfig{
			Interval: Duration(5 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a configuration from defaults, the optional file named by
// AGENTBAY_CONFIG and the environment. The result is validated.
func Load() (*Config, error) { return LoadWith("") }

// LoadFile is Load with an explicit file path.
func LoadFile(path string) (*Config, error) { return LoadWith(path) }

// LoadWith is Load with an explicit file path (AGENTBAY_CONFIG when empty)
// and overrides applied after the environment, before validation.
func LoadWith(path string, optFns ...func(c *Config)) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	for _, fn := range optFns {
		fn(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAPIKey, &c.APIKey)
	set(EnvAPIURL, &c.APIURL)
	set(EnvBackend, &c.Backend.Driver)
	set(EnvSQLite, &c.Backend.SQLitePath)
	set(EnvLogLvl, &c.Logging.Level)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend.Driver {
	case DriverHTTP:
		if c.APIKey == "" {
			errs = append(errs, fmt.Errorf("api key is required for the http backend; set %s", EnvAPIKey))
		}
		if c.APIURL == "" {
			errs = append(errs, errors.New("api_url is required for the http backend"))
		}
	case DriverSQLite:
		if c.Backend.SQLitePath == "" {
			errs = append(errs, errors.New("backend.sqlite_path is required for the sqlite backend"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend driver %q", c.Backend.Driver))
	}

	if c.Session.LocalTTL <= 0 {
		errs = append(errs, errors.New("session.local_ttl must be positive"))
	}
	if c.Session.BackendTTL <= c.Session.LocalTTL {
		errs = append(errs, fmt.Errorf("session.backend_ttl (%s) must exceed session.local_ttl (%s)",
			c.Session.BackendTTL.Std(), c.Session.LocalTTL.Std()))
	}
	if c.Session.FetchTimeout < 0 {
		errs = append(errs, errors.New("session.fetch_timeout must not be negative"))
	}
	switch c.Session.DuplicateStart {
	case "", "reject", "resume":
	default:
		errs = append(errs, fmt.Errorf("unknown session.duplicate_start %q", c.Session.DuplicateStart))
	}
	if c.Queue.MaxSize < 0 || c.Queue.Shards < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	if c.Dispatcher.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatcher.batch_size must be positive"))
	}
	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, errors.New("dispatcher.interval must be positive"))
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatcher.max_attempts must be positive"))
	}
	if c.Dispatcher.MaxBackoff < c.Dispatcher.InitialBackoff {
		errs = append(errs, errors.New("dispatcher.max_backoff must not be below initial_backoff"))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	switch c.Backend.Codec {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("unknown backend.codec %q", c.Backend.Codec))
	}
	switch c.Backend.Compression {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown backend.compression %q", c.Backend.Compression))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
