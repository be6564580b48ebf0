package queue

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/logging"
)

// Options configures a Sharded queue.
type Options struct {
	// MaxSize is the high watermark across all shards. Zero means unbounded.
	MaxSize int
	// Shards is the number of independently drained shards. Defaults to 1.
	Shards int
	// Reporter receives a failure record for every event Submit rejects.
	Reporter core.ErrorReporter
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
	// Clock stamps failure records.
	Clock clock.Clock
}

// Sharded routes events to shards by session id hash.
type Sharded struct {
	shards   []*Queue
	size     atomic.Int64
	maxSize  int
	reporter core.ErrorReporter
	logger   logging.Logger
	clock    clock.Clock
}

// New creates a sharded queue.
func New(optFns ...func(o *Options)) *Sharded {
	opts := Options{
		Shards:   1,
		Reporter: core.NopReporter{},
		Logger:   logging.NoOpLogger{},
		Clock:    clock.Real(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}

	s := &Sharded{
		maxSize:  opts.MaxSize,
		reporter: opts.Reporter,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}
	s.shards = make([]*Queue, opts.Shards)
	for i := range s.shards {
		s.shards[i] = newQueue(&s.size)
	}
	return s
}

// Enqueue admits an event or returns core.ErrQueueFull. It never blocks.
func (s *Sharded) Enqueue(ev core.QueuedEvent) error {
	if n := s.size.Add(1); s.maxSize > 0 && n > int64(s.maxSize) {
		s.size.Add(-1)
		return fmt.Errorf("%w: %d events pending", core.ErrQueueFull, s.maxSize)
	}
	s.shards[s.ShardFor(ev.SessionID)].push(ev)
	return nil
}

// Submit enqueues an event; a rejected event is logged and reported as
// dropped instead of being returned to the caller.
func (s *Sharded) Submit(ctx context.Context, ev core.QueuedEvent) {
	err := s.Enqueue(ev)
	if err == nil {
		return
	}
	s.logger.Error("event rejected by queue", "session_id", ev.SessionID, "event_kind", ev.Kind, "error", err)
	s.reporter.ReportDropped(ctx, core.FailureRecord{
		SessionID: ev.SessionID,
		EventID:   ev.ID,
		EventKind: ev.Kind,
		Attempts:  ev.Attempts,
		LastError: err.Error(),
		DroppedAt: s.clock.Now(),
	})
}

// ShardFor returns the shard index owning a session id.
func (s *Sharded) ShardFor(sessionID string) int {
	return int(xxhash.Sum64String(sessionID) % uint64(len(s.shards)))
}

// Shard returns shard i.
func (s *Sharded) Shard(i int) *Queue { return s.shards[i] }

// NumShards returns the number of shards.
func (s *Sharded) NumShards() int { return len(s.shards) }

// Len returns the number of pending events across all shards.
func (s *Sharded) Len() int { return int(s.size.Load()) }
