// Package keylock provides striped mutexes keyed by string. All mutations of
// one session id are serialized through the same stripe while unrelated
// sessions mostly proceed in parallel.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is used when New is called with a non-positive count.
const DefaultStripes = 256

// Striped is a fixed set of mutexes selected by key hash. Stripes are not
// reentrant: a goroutine holding the lock for one key must not lock another
// key, since both may map to the same stripe.
type Striped struct {
	stripes []sync.Mutex
}

// New creates n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe owning key and returns its unlock function.
//
//	unlock := locks.Lock(sessionID)
//	defer unlock()
func (s *Striped) Lock(key string) func() {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

func (s *Striped) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.stripes)))
}
