package core

import (
	"context"
	"time"
)

// FailureRecord describes an event that was permanently dropped.
type FailureRecord struct {
	SessionID string    `json:"session_id"`
	EventID   string    `json:"event_id"`
	EventKind EventKind `json:"event_kind"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	DroppedAt time.Time `json:"dropped_at"`
}

// ErrorReporter receives failure records for events that will never reach
// the backend. Implementations must not block for long.
type ErrorReporter interface {
	ReportDropped(ctx context.Context, rec FailureRecord)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(ctx context.Context, rec FailureRecord)

// ReportDropped implements ErrorReporter.
func (f ReporterFunc) ReportDropped(ctx context.Context, rec FailureRecord) { f(ctx, rec) }

// NopReporter discards failure records.
type NopReporter struct{}

// ReportDropped implements ErrorReporter.
func (NopReporter) ReportDropped(context.Context, FailureRecord) {}
