package tracker

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
)

// DuplicatePolicy decides what Start does with an id that is already live.
type DuplicatePolicy string

const (
	// DuplicateReject fails the Start with core.ErrAlreadyActive.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateResume returns the live session unchanged.
	DuplicateResume DuplicatePolicy = "resume"
)

// ParseDuplicatePolicy converts a textual policy. The empty string selects
// DuplicateReject.
func ParseDuplicatePolicy(v string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(v); p {
	case "":
		return DuplicateReject, nil
	case DuplicateReject, DuplicateResume:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate start policy %q", v)
	}
}

// Options configures a Tracker. Zero values fall back to the defaults set
// in New.
type Options struct {
	// TTL holds the local and backend lease lengths.
	TTL core.TTLPolicy
	// MaxCacheEntries softly bounds the local cache. Zero means unbounded.
	MaxCacheEntries int
	// FetchTimeout bounds a fallback read from the backend.
	FetchTimeout time.Duration
	// DuplicateStart applies when Start names a live session.
	DuplicateStart DuplicatePolicy
	// SkipStartLookup makes Start purely local: a caller-supplied id is not
	// checked against the backend, so Start never blocks, and an id another
	// process holds is only caught as a create conflict by the dispatcher.
	SkipStartLookup bool

	// MaxQueueSize is the event queue high watermark. Zero means unbounded.
	MaxQueueSize int
	// Shards is the number of queue shards, one dispatcher worker each.
	Shards int

	BatchSize      int
	FlushInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration

	// SweepInterval is the expiry sweep cadence.
	SweepInterval time.Duration
	// LockStripes sizes the per-session lock table.
	LockStripes int

	// IDGenerator creates session ids when Start is not given one.
	IDGenerator func() string

	Clock    clock.Clock
	Logger   logging.Logger
	Reporter core.ErrorReporter
	Tracer   trace.Tracer
}

func defaultOptions() Options {
	return Options{
		TTL:            core.DefaultTTLPolicy(),
		FetchTimeout:   5 * time.Second,
		DuplicateStart: DuplicateReject,
		Shards:         1,
		BatchSize:      10,
		FlushInterval:  2 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
		SweepInterval:  5 * time.Minute,
		LockStripes:    256,
		IDGenerator:    core.NewID,
		Clock:          clock.Real(),
		Logger:         logging.NoOpLogger{},
		Reporter:       core.NopReporter{},
	}
}

// StartOptions are per call options of Start.
type StartOptions struct {
	// SessionID is used instead of a generated id.
	SessionID string
	Metadata  map[string]string
}

// WithSessionID starts the session under a caller supplied id.
func WithSessionID(id string) func(o *StartOptions) {
	return func(o *StartOptions) { o.SessionID = id }
}

// WithMetadata attaches metadata to a new session.
func WithMetadata(md map[string]string) func(o *StartOptions) {
	return func(o *StartOptions) { o.Metadata = md }
}

// EndOptions are per call options of End.
type EndOptions struct {
	Quality       core.ConversationQuality
	FailureReason string
}

// WithQuality records the conversation quality.
func WithQuality(q core.ConversationQuality) func(o *EndOptions) {
	return func(o *EndOptions) { o.Quality = q }
}

// WithFailureReason records why a session failed.
func WithFailureReason(reason string) func(o *EndOptions) {
	return func(o *EndOptions) { o.FailureReason = reason }
}
