package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
	"github.com/hupe1980/agentbay/queue"
)

const tracerName = "github.com/hupe1980/agentbay/dispatch"

// Options configures a Dispatcher.
type Options struct {
	// BatchSize is the maximum number of events taken per pass. A worker
	// wakes early once this many events are pending.
	BatchSize int
	// Interval is the periodic flush cadence.
	Interval time.Duration
	// MaxAttempts bounds deliveries of one event, the first included.
	MaxAttempts int
	// InitialBackoff and MaxBackoff shape the per-session retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor applied to backoff delays.
	Jitter float64
	// RequestTimeout bounds a single backend call. Zero disables it.
	RequestTimeout time.Duration

	Clock    clock.Clock
	Logger   logging.Logger
	Reporter core.ErrorReporter
	Tracer   trace.Tracer
}

// Stats are cumulative delivery counters.
type Stats struct {
	Delivered uint64
	Retried   uint64
	Dropped   uint64
}

// Dispatcher owns the consumer side of a queue.Sharded.
type Dispatcher struct {
	store core.BackendStore
	queue *queue.Sharded
	opts  Options

	// one consumer per shard at a time
	shardMu []sync.Mutex

	delivered atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a dispatcher delivering events of q into store.
func New(store core.BackendStore, q *queue.Sharded, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		BatchSize:      10,
		Interval:       2 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
		Clock:          clock.Real(),
		Logger:         logging.NoOpLogger{},
		Reporter:       core.NopReporter{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Dispatcher{
		store:   store,
		queue:   q,
		opts:    opts,
		shardMu: make([]sync.Mutex, q.NumShards()),
	}
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Run starts one worker per shard and blocks until ctx is cancelled. Pending
// events are left in the queue; call Flush to drain them.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.queue.NumShards(); i++ {
		g.Go(func() error {
			d.runShard(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runShard(ctx context.Context, shard int) {
	ticker := d.opts.Clock.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	q := d.queue.Shard(shard)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.Notify():
			if q.Len() < d.opts.BatchSize {
				continue
			}
		case <-ticker.C:
		}
		// In-flight deliveries outlive shutdown; Flush picks up the rest.
		d.drainShard(context.WithoutCancel(ctx), shard)
	}
}

// Drain makes one pass over every shard, delivering all events that are not
// backing off, and returns the number delivered.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for i := 0; i < d.queue.NumShards(); i++ {
		n += d.drainShard(ctx, i)
	}
	return n
}

// Flush drains until the queue is empty, waiting out backoff delays. It
// returns an error naming the number of undelivered events if ctx ends
// first.
func (d *Dispatcher) Flush(ctx context.Context) error {
	for {
		d.Drain(ctx)
		pending := d.queue.Len()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d events pending: %w", pending, ctx.Err())
		case <-d.opts.Clock.After(d.opts.Interval):
		}
	}
}

func (d *Dispatcher) drainShard(ctx context.Context, shard int) int {
	d.shardMu[shard].Lock()
	defer d.shardMu[shard].Unlock()

	q := d.queue.Shard(shard)
	delivered := 0
	for {
		batch := q.DequeueBatch(d.opts.BatchSize, d.opts.Clock.Now())
		if len(batch) == 0 {
			return delivered
		}
		for start := 0; start < len(batch); {
			end := start + 1
			for end < len(batch) && batch[end].SessionID == batch[start].SessionID {
				end++
			}
			delivered += d.deliverSession(ctx, q, batch[start:end])
			start = end
		}
	}
}

// deliverSession delivers the events of one session in order. It stops at
// the first transient failure and requeues the remainder.
func (d *Dispatcher) deliverSession(ctx context.Context, q *queue.Queue, events []core.QueuedEvent) int {
	delivered := 0
	for i, ev := range events {
		err := d.deliver(ctx, ev)
		if err == nil {
			delivered++
			d.delivered.Add(1)
			continue
		}

		next := ev.Retried()
		if core.IsTransient(err) && next.Attempts < d.opts.MaxAttempts {
			rest := make([]core.QueuedEvent, 0, len(events)-i)
			rest = append(rest, next)
			rest = append(rest, events[i+1:]...)
			q.Requeue(rest, d.opts.Clock.Now().Add(d.backoffFor(next.Attempts)))
			d.retried.Add(1)
			return delivered
		}
		d.drop(ctx, next, err)
	}
	return delivered
}

func (d *Dispatcher) drop(ctx context.Context, ev core.QueuedEvent, err error) {
	d.dropped.Add(1)
	d.opts.Logger.Error("event dropped",
		"session_id", ev.SessionID,
		"event_kind", string(ev.Kind),
		"attempts", ev.Attempts,
		"error", err,
	)
	d.opts.Reporter.ReportDropped(ctx, core.FailureRecord{
		SessionID: ev.SessionID,
		EventID:   ev.ID,
		EventKind: ev.Kind,
		Attempts:  ev.Attempts,
		LastError: fmt.Errorf("%w: %w", core.ErrEventDropped, err).Error(),
		DroppedAt: d.opts.Clock.Now(),
	})
}

// backoffFor returns the delay after the given number of failed attempts.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.RandomizationFactor = d.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) deliver(ctx context.Context, ev core.QueuedEvent) (err error) {
	ctx, span := d.opts.Tracer.Start(ctx, "agentbay.deliver", trace.WithAttributes(
		attribute.String("agentbay.session_id", ev.SessionID),
		attribute.String("agentbay.event_kind", string(ev.Kind)),
		attribute.Int("agentbay.attempt", ev.Attempts+1),
	))
	start := d.opts.Clock.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		d.logDelivery(ev, d.opts.Clock.Now().Sub(start), err)
	}()

	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
	}

	switch ev.Kind {
	case core.EventCreate:
		return d.create(ctx, ev.Session)
	case core.EventActivity:
		err = d.store.UpdateSession(ctx, ev.SessionID, ev.Fields())
		if errors.Is(err, core.ErrNotFound) {
			return d.upsert(ctx, ev, func() error {
				return d.store.UpdateSession(ctx, ev.SessionID, ev.Fields())
			})
		}
		return err
	case core.EventClose:
		err = d.store.CloseSession(ctx, ev.SessionID, ev.Session.Status, ev.Fields())
		if errors.Is(err, core.ErrNotFound) {
			return d.upsert(ctx, ev, func() error {
				return d.store.CloseSession(ctx, ev.SessionID, ev.Session.Status, ev.Fields())
			})
		}
		return err
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (d *Dispatcher) create(ctx context.Context, info core.SessionInfo) error {
	err := d.store.CreateSession(ctx, info)
	if errors.Is(err, core.ErrConflict) {
		return nil
	}
	return err
}

// upsert recreates a missing record from the event snapshot. A concurrent
// create wins the race, in which case the original write is applied again.
func (d *Dispatcher) upsert(ctx context.Context, ev core.QueuedEvent, retry func() error) error {
	err := d.store.CreateSession(ctx, ev.Session)
	if errors.Is(err, core.ErrConflict) {
		return retry()
	}
	return err
}

func (d *Dispatcher) logDelivery(ev core.QueuedEvent, dur time.Duration, err error) {
	if sl, ok := d.opts.Logger.(*logging.StructuredLogger); ok {
		sl.LogDelivery(ev.SessionID, string(ev.Kind), ev.Attempts+1, dur, err)
		return
	}
	if err != nil {
		d.opts.Logger.Warn("backend delivery failed", "session_id", ev.SessionID, "event_kind", string(ev.Kind), "attempt", ev.Attempts+1, "error", err)
		return
	}
	d.opts.Logger.Debug("backend delivery completed", "session_id", ev.SessionID, "event_kind", string(ev.Kind), "attempt", ev.Attempts+1)
}
