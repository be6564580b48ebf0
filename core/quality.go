package core

import "time"

// MaxLatencySamples bounds the number of raw latency samples retained per
// session. Aggregates (count, total) keep counting past the bound.
const MaxLatencySamples = 100

// QualityMetrics accumulates per-session performance signals.
type QualityMetrics struct {
	LatencySamples   []time.Duration `json:"latency_samples,omitempty"`
	LatencyCount     int             `json:"latency_count"`
	TotalLatency     time.Duration   `json:"total_latency"`
	MaxLatency       time.Duration   `json:"max_latency"`
	SuccessCount     int             `json:"success_count"`
	FailureCount     int             `json:"failure_count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
}

// Observe folds a delta into the accumulator.
func (q *QualityMetrics) Observe(d Delta) {
	if d.Latency > 0 {
		q.LatencyCount++
		q.TotalLatency += d.Latency
		if d.Latency > q.MaxLatency {
			q.MaxLatency = d.Latency
		}
		q.LatencySamples = append(q.LatencySamples, d.Latency)
		if over := len(q.LatencySamples) - MaxLatencySamples; over > 0 {
			q.LatencySamples = append([]time.Duration(nil), q.LatencySamples[over:]...)
		}
	}
	switch d.Result {
	case ResultSuccess:
		q.SuccessCount++
	case ResultFailure:
		q.FailureCount++
	}
	q.PromptTokens += d.PromptTokens
	q.CompletionTokens += d.CompletionTokens
}

// SuccessRate returns successes / (successes + failures), or 0 when nothing
// has been tallied yet.
func (q QualityMetrics) SuccessRate() float64 {
	total := q.SuccessCount + q.FailureCount
	if total == 0 {
		return 0
	}
	return float64(q.SuccessCount) / float64(total)
}

// AverageLatency returns the mean of every latency ever observed.
func (q QualityMetrics) AverageLatency() time.Duration {
	if q.LatencyCount == 0 {
		return 0
	}
	return q.TotalLatency / time.Duration(q.LatencyCount)
}

// TotalTokens returns prompt + completion tokens.
func (q QualityMetrics) TotalTokens() int64 { return q.PromptTokens + q.CompletionTokens }

// Clone returns a deep copy.
func (q QualityMetrics) Clone() QualityMetrics {
	clone := q
	if q.LatencySamples != nil {
		clone.LatencySamples = make([]time.Duration, len(q.LatencySamples))
		copy(clone.LatencySamples, q.LatencySamples)
	}
	return clone
}
