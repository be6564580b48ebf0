// Package logging provides a minimal logging interface and adapters for AgentBay.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the tracker, dispatcher and sweeper use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with component / session context and delivery helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - FailureReporter turning dropped events into structured error records
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	t := tracker.New(func(o *tracker.Options) { o.Logger = logger })
package logging
