package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/agentbay/core"
)

// Recorder is a core.ErrorReporter keeping every record it receives.
type Recorder struct {
	mu   sync.Mutex
	recs []core.FailureRecord
}

// ReportDropped implements core.ErrorReporter.
func (r *Recorder) ReportDropped(_ context.Context, rec core.FailureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

// Records returns a copy of the received records.
func (r *Recorder) Records() []core.FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.FailureRecord(nil), r.recs...)
}
