package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestTTLPolicy_Validate(t *testing.T) {
	if err := DefaultTTLPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if err := (TTLPolicy{Local: time.Hour, Backend: time.Hour}).Validate(); err == nil {
		t.Fatal("expected error when backend ttl does not exceed local ttl")
	}
	if err := (TTLPolicy{Local: 0, Backend: time.Hour}).Validate(); err == nil {
		t.Fatal("expected error for zero local ttl")
	}
}

func TestTTLPolicy_Expiry(t *testing.T) {
	p := DefaultTTLPolicy()
	if got := p.LocalExpiry(t0); !got.Equal(t0.Add(10 * time.Hour)) {
		t.Fatalf("local expiry = %s", got)
	}
	deadline := p.LocalExpiry(t0)
	if Expired(deadline, deadline) {
		t.Fatal("deadline equal to now must still be live")
	}
	if !Expired(deadline, deadline.Add(time.Nanosecond)) {
		t.Fatal("deadline in the past must be expired")
	}
}

func TestTTLPolicy_RecordLive(t *testing.T) {
	p := DefaultTTLPolicy()
	rec := Record{Session: NewSessionInfo("s1", "a", t0, nil)}

	if !p.RecordLive(rec, t0.Add(19*time.Hour)) {
		t.Fatal("record should be live within backend ttl")
	}
	if p.RecordLive(rec, t0.Add(21*time.Hour)) {
		t.Fatal("record should be expired after backend ttl")
	}

	rec.ExpiresAt = t0.Add(time.Hour)
	if p.RecordLive(rec, t0.Add(2*time.Hour)) {
		t.Fatal("explicit ExpiresAt must take precedence")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{fmt.Errorf("post: %w", ErrBackendUnavailable), true},
		{context.DeadlineExceeded, true},
		{ErrConflict, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
