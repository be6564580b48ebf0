package core

import (
	"cmp"
	"fmt"
	"time"
)

// Status is the lifecycle state of a tracked session. Transitions are
// monotonic: once a session leaves StatusActive it never returns to it.
type Status string

const (
	// StatusActive marks a session that is still receiving activity.
	StatusActive Status = "active"
	// StatusCompleted marks a session that was explicitly ended successfully.
	StatusCompleted Status = "completed"
	// StatusFailed marks a session that was explicitly ended as failed.
	StatusFailed Status = "failed"
	// StatusAbandoned marks a session whose local lease expired without an end call.
	StatusAbandoned Status = "abandoned"
)

// IsTerminal reports whether the status is one of the final states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == StatusActive || s.IsTerminal()
}

// ParseStatus converts a textual status into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// ConversationQuality is the caller supplied judgement attached when a
// session ends.
type ConversationQuality string

const (
	QualityExcellent ConversationQuality = "excellent"
	QualityGood      ConversationQuality = "good"
	QualityFair      ConversationQuality = "fair"
	QualityPoor      ConversationQuality = "poor"
)

// ParseConversationQuality converts text into a ConversationQuality. The empty
// string is accepted and means "not rated".
func ParseConversationQuality(v string) (ConversationQuality, error) {
	switch q := ConversationQuality(v); q {
	case "", QualityExcellent, QualityGood, QualityFair, QualityPoor:
		return q, nil
	default:
		return "", fmt.Errorf("unknown conversation quality %q", v)
	}
}

// SessionInfo is the canonical snapshot of one agent conversation.
//
// Contract:
//   - LastActivityAt is never before StartedAt
//   - Status is monotonic (see Status)
//   - Clone performs deep copies of maps / slices for safe divergence
type SessionInfo struct {
	ID             string              `json:"session_id"`
	AgentID        string              `json:"agent_id"`
	StartedAt      time.Time           `json:"started_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
	Status         Status              `json:"status"`
	MessageCount   int                 `json:"message_count"`
	Quality        QualityMetrics      `json:"quality_metrics"`
	Conversation   ConversationQuality `json:"conversation_quality,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
}

// NewSessionInfo creates an active session started at now.
func NewSessionInfo(id, agentID string, now time.Time, metadata map[string]string) SessionInfo {
	info := SessionInfo{
		ID:             id,
		AgentID:        agentID,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
		Metadata:       make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		info.Metadata[k] = v
	}
	return info
}

// Clone returns a deep copy of the snapshot safe for independent mutation.
func (s SessionInfo) Clone() SessionInfo {
	clone := s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		clone.EndedAt = &ended
	}
	clone.Quality = s.Quality.Clone()
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// ByRecentActivity orders sessions most recently active first, then by id.
// It fits slices.SortFunc.
func ByRecentActivity(a, b SessionInfo) int {
	if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ApplyDelta merges caller activity into the snapshot and advances
// LastActivityAt to now. Terminal sessions reject further activity.
func (s *SessionInfo) ApplyDelta(delta Delta, now time.Time) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.Status)
	}
	if delta.Messages > 0 {
		s.MessageCount += delta.Messages
	}
	s.Quality.Observe(delta)
	if len(delta.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(delta.Metadata))
		}
		for k, v := range delta.Metadata {
			s.Metadata[k] = v
		}
	}
	s.touch(now)
	return nil
}

// Finish moves the session into a terminal status.
func (s *SessionInfo) Finish(status Status, now time.Time, outcome Outcome) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a final status", ErrInvalidStatus, status)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is already %s", ErrSessionClosed, s.ID, s.Status)
	}
	s.Status = status
	s.Conversation = outcome.Quality
	s.FailureReason = outcome.FailureReason
	ended := now
	s.EndedAt = &ended
	if status != StatusAbandoned {
		s.touch(now)
	}
	return nil
}

// Merge applies backend merge fields using last-write-wins on
// LastActivityAt. It reports whether the fields were applied.
func (s *SessionInfo) Merge(f MergeFields) bool {
	if f.LastActivityAt.Before(s.LastActivityAt) {
		return false
	}
	s.LastActivityAt = f.LastActivityAt
	s.MessageCount = f.MessageCount
	s.Quality = f.Quality.Clone()
	if f.Metadata != nil {
		s.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			s.Metadata[k] = v
		}
	}
	if f.EndedAt != nil {
		ended := *f.EndedAt
		s.EndedAt = &ended
	}
	if f.Conversation != "" {
		s.Conversation = f.Conversation
	}
	if f.FailureReason != "" {
		s.FailureReason = f.FailureReason
	}
	return true
}

func (s *SessionInfo) touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

// Outcome carries the optional details recorded when a session ends.
type Outcome struct {
	Quality       ConversationQuality
	FailureReason string
}

// Result is the outcome attached to a single activity delta.
type Result int

const (
	// ResultNone records no success / failure tally.
	ResultNone Result = iota
	// ResultSuccess counts the activity as a successful turn.
	ResultSuccess
	// ResultFailure counts the activity as a failed turn.
	ResultFailure
)

// Delta describes one unit of caller activity. Zero fields are ignored.
type Delta struct {
	Messages         int               `json:"messages,omitempty"`
	Latency          time.Duration     `json:"latency,omitempty"`
	Result           Result            `json:"result,omitempty"`
	PromptTokens     int64             `json:"prompt_tokens,omitempty"`
	CompletionTokens int64             `json:"completion_tokens,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// MergeFields is the mutable subset of a SessionInfo that the backend merges
// into its record keyed by session id. Values are absolute, not increments, so
// re-applying the same fields is idempotent.
type MergeFields struct {
	LastActivityAt time.Time           `json:"last_activity_at"`
	MessageCount   int                 `json:"message_count"`
	Quality        QualityMetrics      `json:"quality_metrics"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty"`
	Conversation   ConversationQuality `json:"conversation_quality,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
}

// FieldsOf extracts the merge fields of a snapshot.
func FieldsOf(s SessionInfo) MergeFields {
	c := s.Clone()
	return MergeFields{
		LastActivityAt: c.LastActivityAt,
		MessageCount:   c.MessageCount,
		Quality:        c.Quality,
		Metadata:       c.Metadata,
		EndedAt:        c.EndedAt,
		Conversation:   c.Conversation,
		FailureReason:  c.FailureReason,
	}
}
