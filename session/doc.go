// Package session contains BackendStore implementations.
//
// InMemoryStore is a volatile, process local backend useful for tests, demos
// and single process deployments. Durable backends live in the sqlitestore
// (embedded SQLite) and remote (HTTP API) sub packages.
//
// All implementations share the same merge contract: CreateSession is
// idempotent through core.ErrConflict, updates apply last-write-wins on
// LastActivityAt and the first terminal status a record reaches is kept.
package session
