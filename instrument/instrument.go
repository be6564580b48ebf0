package instrument

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
)

// Recorder receives activity deltas for a session.
type Recorder interface {
	RecordActivity(ctx context.Context, sessionID string, delta core.Delta) (core.SessionInfo, error)
}

// Usage is the token accounting reported by a vendor call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Call describes one vendor request.
type Call struct {
	Provider string
	Model    string
}

type sessionKey struct{}

// WithSession returns a context that routes instrumented calls to sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id set by WithSession.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}

// Options configures an Instrumenter.
type Options struct {
	Tracer trace.Tracer
	Logger logging.Logger
	Clock  clock.Clock
	// Metadata is merged into the session on every recorded call.
	Metadata map[string]string
}

// Instrumenter measures vendor calls and records them on a Recorder.
type Instrumenter struct {
	recorder Recorder
	opts     Options
}

// New creates an Instrumenter feeding rec.
func New(rec Recorder, optFns ...func(o *Options)) *Instrumenter {
	opts := Options{
		Tracer: otel.Tracer("github.com/hupe1980/agentbay/instrument"),
		Logger: logging.NoOpLogger{},
		Clock:  clock.Real(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Instrumenter{recorder: rec, opts: opts}
}

// Track runs fn and records its outcome on the session carried by ctx. When
// ctx has no session the call runs untracked.
func (in *Instrumenter) Track(ctx context.Context, c Call, fn func(ctx context.Context) (Usage, error)) error {
	sessionID, ok := SessionFromContext(ctx)
	if !ok {
		_, err := fn(ctx)
		return err
	}

	ctx, span := in.opts.Tracer.Start(ctx, "agentbay.llm."+c.Provider, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", c.Provider),
			attribute.String("llm.model", c.Model),
			attribute.String("agentbay.session_id", sessionID),
		))
	defer span.End()

	start := in.opts.Clock.Now()
	usage, err := fn(ctx)
	latency := in.opts.Clock.Now().Sub(start)

	span.SetAttributes(
		attribute.Int64("llm.usage.prompt_tokens", usage.PromptTokens),
		attribute.Int64("llm.usage.completion_tokens", usage.CompletionTokens),
		attribute.Int64("llm.latency_ms", latency.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	in.log(c, usage, latency, err)
	in.record(ctx, sessionID, deltaFor(usage, latency, err, in.opts.Metadata))
	return err
}

func deltaFor(u Usage, latency time.Duration, err error, md map[string]string) core.Delta {
	d := core.Delta{
		Messages:         2,
		Latency:          latency,
		Result:           core.ResultSuccess,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if err != nil {
		// Only the request reached the conversation.
		d.Messages = 1
		d.Result = core.ResultFailure
	}
	if len(md) > 0 {
		d.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			d.Metadata[k] = v
		}
	}
	return d
}

func (in *Instrumenter) record(ctx context.Context, sessionID string, d core.Delta) {
	if _, err := in.recorder.RecordActivity(context.WithoutCancel(ctx), sessionID, d); err != nil {
		level := in.opts.Logger.Warn
		if errors.Is(err, core.ErrSessionNotFound) || errors.Is(err, core.ErrSessionClosed) {
			level = in.opts.Logger.Debug
		}
		level("LLM call not recorded", "session_id", sessionID, "error", err)
	}
}

func (in *Instrumenter) log(c Call, u Usage, latency time.Duration, err error) {
	if sl, ok := in.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogLLMCall(c.Provider, c.Model, u.PromptTokens+u.CompletionTokens, latency, err)
		return
	}
	in.opts.Logger.Debug("LLM call", "provider", c.Provider, "model", c.Model,
		"tokens", u.PromptTokens+u.CompletionTokens, "duration", latency, "error", err)
}

// Merge returns an option function that copies the non-zero fields of src.
func Merge(src Options) func(o *Options) {
	return func(o *Options) {
		if src.Tracer != nil {
			o.Tracer = src.Tracer
		}
		if src.Logger != nil {
			o.Logger = src.Logger
		}
		if src.Clock != nil {
			o.Clock = src.Clock
		}
		if src.Metadata != nil {
			o.Metadata = src.Metadata
		}
	}
}
