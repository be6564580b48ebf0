package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestSessionInfo_ApplyDeltaAndClone(t *testing.T) {
	s := NewSessionInfo("s1", "agent-a", t0, map[string]string{"channel": "web"})

	err := s.ApplyDelta(Delta{
		Messages:     2,
		Latency:      120 * time.Millisecond,
		Result:       ResultSuccess,
		PromptTokens: 10,
		Metadata:     map[string]string{"lang": "de"},
	}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 2, s.MessageCount)
	assert.Equal(t, t0.Add(time.Minute), s.LastActivityAt)
	assert.Equal(t, "de", s.Metadata["lang"])
	assert.Equal(t, 1, s.Quality.SuccessCount)

	clone := s.Clone()
	clone.Metadata["channel"] = "changed"
	clone.Quality.LatencySamples[0] = time.Hour
	assert.Equal(t, "web", s.Metadata["channel"], "clone must not share metadata")
	assert.Equal(t, 120*time.Millisecond, s.Quality.LatencySamples[0], "clone must not share samples")
}

func TestSessionInfo_LastActivityNeverBeforeStart(t *testing.T) {
	s := NewSessionInfo("s1", "a", t0, nil)
	require.NoError(t, s.ApplyDelta(Delta{Messages: 1}, t0.Add(-time.Hour)))
	assert.False(t, s.LastActivityAt.Before(s.StartedAt))
}

func TestSessionInfo_FinishIsMonotonic(t *testing.T) {
	s := NewSessionInfo("s1", "a", t0, nil)

	err := s.Finish(StatusActive, t0, Outcome{})
	assert.True(t, errors.Is(err, ErrInvalidStatus))

	require.NoError(t, s.Finish(StatusCompleted, t0.Add(time.Second), Outcome{Quality: QualityGood}))
	assert.Equal(t, StatusCompleted, s.Status)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, QualityGood, s.Conversation)

	err = s.Finish(StatusFailed, t0.Add(2*time.Second), Outcome{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, StatusCompleted, s.Status)

	err = s.ApplyDelta(Delta{Messages: 1}, t0.Add(3*time.Second))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionInfo_AbandonKeepsLastActivity(t *testing.T) {
	s := NewSessionInfo("s1", "a", t0, nil)
	require.NoError(t, s.Finish(StatusAbandoned, t0.Add(11*time.Hour), Outcome{}))
	assert.Equal(t, t0, s.LastActivityAt)
	assert.Equal(t, t0.Add(11*time.Hour), *s.EndedAt)
}

func TestSessionInfo_MergeLastWriteWins(t *testing.T) {
	s := NewSessionInfo("s1", "a", t0, nil)
	s.LastActivityAt = t0.Add(time.Hour)
	s.MessageCount = 5

	stale := MergeFields{LastActivityAt: t0.Add(time.Minute), MessageCount: 1}
	assert.False(t, s.Merge(stale))
	assert.Equal(t, 5, s.MessageCount)

	fresh := MergeFields{LastActivityAt: t0.Add(2 * time.Hour), MessageCount: 9}
	assert.True(t, s.Merge(fresh))
	assert.Equal(t, 9, s.MessageCount)
}

func TestQualityMetrics(t *testing.T) {
	var q QualityMetrics
	assert.Zero(t, q.SuccessRate())
	assert.Zero(t, q.AverageLatency())

	for i := 0; i < MaxLatencySamples+5; i++ {
		q.Observe(Delta{Latency: 10 * time.Millisecond, Result: ResultSuccess})
	}
	q.Observe(Delta{Latency: 70 * time.Millisecond, Result: ResultFailure, CompletionTokens: 3})

	assert.Len(t, q.LatencySamples, MaxLatencySamples)
	assert.Equal(t, MaxLatencySamples+6, q.LatencyCount)
	assert.Equal(t, 70*time.Millisecond, q.MaxLatency)
	assert.InDelta(t, float64(105)/106, q.SuccessRate(), 1e-9)
	assert.Equal(t, int64(3), q.TotalTokens())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("abandoned")
	require.NoError(t, err)
	assert.True(t, s.IsTerminal())

	_, err = ParseStatus("paused")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
