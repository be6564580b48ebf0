package queue

import (
	"sync"
	"sync/atomic"
	"time"

	equeue "github.com/eapache/queue"

	"github.com/hupe1980/agentbay/core"
)

// Queue is a single shard: per-session FIFOs plus a ready ring listing each
// session with pending events exactly once, in arrival order.
//
// Thread-safe: any number of producers, one consumer at a time.
type Queue struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
	ready    *equeue.Queue // session ids
	size     *atomic.Int64 // shared across shards
	notify   chan struct{}
}

type sessionQueue struct {
	events    *equeue.Queue // core.QueuedEvent
	notBefore time.Time
}

func newQueue(size *atomic.Int64) *Queue {
	return &Queue{
		sessions: make(map[string]*sessionQueue),
		ready:    equeue.New(),
		size:     size,
		notify:   make(chan struct{}, 1),
	}
}

func (q *Queue) push(ev core.QueuedEvent) {
	q.mu.Lock()
	sq, ok := q.sessions[ev.SessionID]
	if !ok {
		sq = &sessionQueue{events: equeue.New()}
		q.sessions[ev.SessionID] = sq
		q.ready.Add(ev.SessionID)
	}
	sq.events.Add(ev)
	q.mu.Unlock()

	// Non-blocking signal to the consumer.
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DequeueBatch removes up to max events whose session is not backing off at
// now. Events of one session come out in enqueue order and contiguously.
func (q *Queue) DequeueBatch(max int, now time.Time) []core.QueuedEvent {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []core.QueuedEvent
	for n := q.ready.Length(); n > 0 && len(batch) < max; n-- {
		id := q.ready.Remove().(string)
		sq := q.sessions[id]
		if sq.notBefore.After(now) {
			q.ready.Add(id)
			continue
		}
		for len(batch) < max && sq.events.Length() > 0 {
			batch = append(batch, sq.events.Remove().(core.QueuedEvent))
		}
		if sq.events.Length() > 0 {
			q.ready.Add(id)
		} else {
			delete(q.sessions, id)
		}
	}
	q.size.Add(-int64(len(batch)))
	return batch
}

// Requeue puts events of one session back in front of any events of that
// session still queued, and holds the session back until notBefore. The high
// watermark is not applied: the events were already admitted once.
func (q *Queue) Requeue(events []core.QueuedEvent, notBefore time.Time) {
	if len(events) == 0 {
		return
	}
	id := events[0].SessionID

	q.mu.Lock()
	defer q.mu.Unlock()

	front := equeue.New()
	for _, ev := range events {
		front.Add(ev)
	}
	sq, ok := q.sessions[id]
	if ok {
		for sq.events.Length() > 0 {
			front.Add(sq.events.Remove())
		}
		sq.events = front
	} else {
		sq = &sessionQueue{events: front}
		q.sessions[id] = sq
		q.ready.Add(id)
	}
	sq.notBefore = notBefore
	q.size.Add(int64(len(events)))
}

// Len returns the number of events held by this shard.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, sq := range q.sessions {
		n += sq.events.Length()
	}
	return n
}

// Notify returns a channel signalled (at most once per pending wake-up) when
// new events arrive.
func (q *Queue) Notify() <-chan struct{} { return q.notify }
