package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
)

// Op names a BackendStore method in the call log.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpClose  Op = "close"
	OpGet    Op = "get"
	OpList   Op = "list"
)

// Call is one entry of the InMemoryStore call log.
type Call struct {
	Op        Op
	SessionID string
	Status    core.Status
	Err       error
}

// FaultFunc decides whether a call should fail. Returning nil lets it proceed.
type FaultFunc func(op Op, sessionID string) error

// InMemoryOptions configures an InMemoryStore.
type InMemoryOptions struct {
	// TTL is the backend retention after last activity.
	TTL time.Duration
	// Clock decides record expiry.
	Clock clock.Clock
	// Fault injects errors before a call touches state.
	Fault FaultFunc
}

// InMemoryStore is a volatile BackendStore storing records in a process
// local map. It is safe for concurrent access. Each returned record is cloned
// to prevent external mutation of internal state.
type InMemoryStore struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	records map[string]*core.Record
	calls   []Call
	fault   FaultFunc
}

// NewInMemoryStore constructs an empty in-memory backend.
func NewInMemoryStore(optFns ...func(o *InMemoryOptions)) *InMemoryStore {
	opts := InMemoryOptions{
		TTL:   core.DefaultBackendTTL,
		Clock: clock.Real(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{
		ttl:     opts.TTL,
		clock:   opts.Clock,
		records: make(map[string]*core.Record),
		fault:   opts.Fault,
	}
}

// SetFault replaces the fault injector. Passing nil heals the store.
func (s *InMemoryStore) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// CreateSession implements core.BackendStore.
func (s *InMemoryStore) CreateSession(_ context.Context, info core.SessionInfo) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.logLocked(OpCreate, info.ID, info.Status, err) }()

	if err := s.faultLocked(OpCreate, info.ID); err != nil {
		return err
	}
	if _, ok := s.liveLocked(info.ID); ok {
		return fmt.Errorf("%w: %s", core.ErrConflict, info.ID)
	}
	s.records[info.ID] = &core.Record{
		Session:   info.Clone(),
		ExpiresAt: info.LastActivityAt.Add(s.ttl),
	}
	return nil
}

// UpdateSession implements core.BackendStore.
func (s *InMemoryStore) UpdateSession(_ context.Context, sessionID string, fields core.MergeFields) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.logLocked(OpUpdate, sessionID, "", err) }()

	if err := s.faultLocked(OpUpdate, sessionID); err != nil {
		return err
	}
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
	}
	s.mergeLocked(rec, fields)
	return nil
}

// CloseSession implements core.BackendStore. The first terminal status wins;
// later closes only merge fields.
func (s *InMemoryStore) CloseSession(_ context.Context, sessionID string, status core.Status, fields core.MergeFields) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.logLocked(OpClose, sessionID, status, err) }()

	if err := s.faultLocked(OpClose, sessionID); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q", core.ErrInvalidStatus, status)
	}
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
	}
	if !rec.Session.Status.IsTerminal() {
		rec.Session.Status = status
	}
	s.mergeLocked(rec, fields)
	return nil
}

// GetSession implements core.BackendStore.
func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (rec core.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.logLocked(OpGet, sessionID, rec.Session.Status, err) }()

	if err := s.faultLocked(OpGet, sessionID); err != nil {
		return core.Record{}, err
	}
	r, ok := s.liveLocked(sessionID)
	if !ok {
		return core.Record{}, fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
	}
	return core.Record{Session: r.Session.Clone(), ExpiresAt: r.ExpiresAt}, nil
}

// ListActive implements core.SessionLister.
func (s *InMemoryStore) ListActive(_ context.Context, agentID string) (out []core.SessionInfo, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.logLocked(OpList, "", "", err) }()

	if err := s.faultLocked(OpList, agentID); err != nil {
		return nil, err
	}
	for id, r := range s.records {
		if r.Session.AgentID != agentID || r.Session.Status != core.StatusActive {
			continue
		}
		if rec, ok := s.liveLocked(id); ok {
			out = append(out, rec.Session.Clone())
		}
	}
	slices.SortFunc(out, core.ByRecentActivity)
	return out, nil
}

// Snapshot returns a record regardless of expiry, for assertions.
func (s *InMemoryStore) Snapshot(sessionID string) (core.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[sessionID]
	if !ok {
		return core.Record{}, false
	}
	return core.Record{Session: r.Session.Clone(), ExpiresAt: r.ExpiresAt}, true
}

// Calls returns a copy of the call log in invocation order.
func (s *InMemoryStore) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the successful mutating calls for one session.
func (s *InMemoryStore) CallsFor(sessionID string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.SessionID == sessionID && c.Op != OpGet && c.Op != OpList && c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of stored records, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) liveLocked(sessionID string) (*core.Record, bool) {
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, false
	}
	if core.Expired(rec.ExpiresAt, s.clock.Now()) {
		delete(s.records, sessionID)
		return nil, false
	}
	return rec, true
}

func (s *InMemoryStore) mergeLocked(rec *core.Record, fields core.MergeFields) {
	if rec.Session.Merge(fields) {
		rec.ExpiresAt = rec.Session.LastActivityAt.Add(s.ttl)
	}
}

func (s *InMemoryStore) faultLocked(op Op, sessionID string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, sessionID)
}

func (s *InMemoryStore) logLocked(op Op, sessionID string, status core.Status, err error) {
	s.calls = append(s.calls, Call{Op: op, SessionID: sessionID, Status: status, Err: err})
}
