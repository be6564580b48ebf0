// Package sqlitestore implements core.BackendStore on an embedded SQLite
// database. Several processes on one host can share the file, which makes
// it a durable backend for crash resumption without a remote service.
//
// Each session is one row. Indexed columns carry the identity, status and
// timestamps; the full snapshot is stored as a CBOR blob.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hupe1980/agentbay/clock"
	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/internal/codec"
	"github.com/hupe1980/agentbay/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	body             BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);
CREATE INDEX IF NOT EXISTS sessions_agent_status ON sessions (agent_id, status);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Options configures a Store.
type Options struct {
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	// TTL is the retention after last activity.
	TTL    time.Duration
	Clock  clock.Clock
	Logger logging.Logger
}

// Store is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	ttl    time.Duration
	clock  clock.Clock
	logger logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the database at path.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	opts := Options{
		TTL:    core.DefaultBackendTTL,
		Clock:  clock.Real(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = max(runtime.NumCPU(), 4)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    opts.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", path, err)
	}
	opts.Logger.Info("sqlite session store opened", "path", path, "pool_size", opts.PoolSize)

	return &Store{pool: pool, path: path, ttl: opts.TTL, clock: opts.Clock, logger: opts.Logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

// Close closes all connections. Calling it again is a no-op.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pool.Close(); err != nil {
			s.closeErr = fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
		}
	})
	return s.closeErr
}

// CreateSession implements core.BackendStore.
func (s *Store) CreateSession(ctx context.Context, info core.SessionInfo) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if _, ok, err := s.load(conn, info.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s", core.ErrConflict, info.ID)
		}
		return s.save(conn, core.Record{Session: info, ExpiresAt: info.LastActivityAt.Add(s.ttl)})
	})
}

// UpdateSession implements core.BackendStore.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fields core.MergeFields) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		rec, ok, err := s.load(conn, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
		}
		if !rec.Session.Merge(fields) {
			return nil
		}
		rec.ExpiresAt = rec.Session.LastActivityAt.Add(s.ttl)
		return s.save(conn, rec)
	})
}

// CloseSession implements core.BackendStore. The first terminal status wins.
func (s *Store) CloseSession(ctx context.Context, sessionID string, status core.Status, fields core.MergeFields) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q", core.ErrInvalidStatus, status)
	}
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		rec, ok, err := s.load(conn, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
		}
		if !rec.Session.Status.IsTerminal() {
			rec.Session.Status = status
		}
		if rec.Session.Merge(fields) {
			rec.ExpiresAt = rec.Session.LastActivityAt.Add(s.ttl)
		}
		return s.save(conn, rec)
	})
}

// GetSession implements core.BackendStore.
func (s *Store) GetSession(ctx context.Context, sessionID string) (core.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return core.Record{}, err
	}
	defer s.pool.Put(conn)

	rec, ok, err := s.load(conn, sessionID)
	if err != nil {
		return core.Record{}, err
	}
	if !ok {
		return core.Record{}, fmt.Errorf("%w: %s", core.ErrNotFound, sessionID)
	}
	return rec, nil
}

// PurgeExpired deletes rows past their expiry and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE expires_at < ?`, &sqlitex.ExecOptions{
		Args: []any{s.clock.Now().UnixNano()},
	})
	if err != nil {
		return 0, unavailable("purge", err)
	}
	n := conn.Changes()
	if n > 0 {
		s.logger.Info("expired sessions purged", "count", n)
	}
	return n, nil
}

// ListActive implements core.SessionLister.
func (s *Store) ListActive(ctx context.Context, agentID string) ([]core.SessionInfo, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []core.SessionInfo
	err = sqlitex.Execute(conn,
		`SELECT body FROM sessions WHERE agent_id = ? AND status = ? AND expires_at >= ? ORDER BY last_activity_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, string(core.StatusActive), s.clock.Now().UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info, err := decodeBody(stmt, 0)
				if err != nil {
					return err
				}
				out = append(out, info)
				return nil
			},
		})
	if err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, unavailable("take connection", err)
	}
	return conn, nil
}

func (s *Store) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// load returns the live record for sessionID. Expired rows read as missing.
func (s *Store) load(conn *sqlite.Conn, sessionID string) (core.Record, bool, error) {
	var (
		rec   core.Record
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT body, expires_at FROM sessions WHERE session_id = ?`, &sqlitex.ExecOptions{
		Args: []any{sessionID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info, err := decodeBody(stmt, 0)
			if err != nil {
				return err
			}
			rec = core.Record{Session: info, ExpiresAt: time.Unix(0, stmt.ColumnInt64(1)).UTC()}
			found = true
			return nil
		},
	})
	if err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			return core.Record{}, false, err
		}
		return core.Record{}, false, unavailable("load", err)
	}
	if !found || core.Expired(rec.ExpiresAt, s.clock.Now()) {
		return core.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) save(conn *sqlite.Conn, rec core.Record) error {
	body, err := codec.CBOR.Marshal(rec.Session)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode %s: %w", rec.Session.ID, err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (session_id, agent_id, status, started_at, last_activity_at, expires_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			started_at = excluded.started_at,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at,
			body = excluded.body`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.Session.ID,
				rec.Session.AgentID,
				string(rec.Session.Status),
				rec.Session.StartedAt.UnixNano(),
				rec.Session.LastActivityAt.UnixNano(),
				rec.ExpiresAt.UnixNano(),
				body,
			},
		})
	if err != nil {
		return unavailable("save", err)
	}
	return nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "sqlitestore: decode body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func decodeBody(stmt *sqlite.Stmt, col int) (core.SessionInfo, error) {
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	var info core.SessionInfo
	if err := codec.CBOR.Unmarshal(blob, &info); err != nil {
		return core.SessionInfo{}, &decodeError{err: err}
	}
	return info, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlitestore %s: %v", core.ErrBackendUnavailable, op, err)
}
