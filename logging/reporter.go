package logging

import (
	"context"

	"github.com/hupe1980/agentbay/core"
)

// FailureReporter is a core.ErrorReporter that writes every dropped event as
// a structured error entry.
type FailureReporter struct {
	logger Logger
}

// NewFailureReporter wraps a logger.
func NewFailureReporter(l Logger) *FailureReporter {
	return &FailureReporter{logger: OrNoOp(l)}
}

// ReportDropped implements core.ErrorReporter.
func (r *FailureReporter) ReportDropped(_ context.Context, rec core.FailureRecord) {
	r.logger.Error("Event dropped",
		"session_id", rec.SessionID,
		"event_id", rec.EventID,
		"event_kind", string(rec.EventKind),
		"attempts", rec.Attempts,
		"last_error", rec.LastError,
		"dropped_at", rec.DroppedAt,
	)
}
