// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing core model objects (session
// snapshots, queued events) and asserting behaviors such as dropped event
// reports. They are not intended for production usage.
package testutil
