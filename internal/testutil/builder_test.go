package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentbay/core"
)

var _ core.ErrorReporter = (*Recorder)(nil)

func TestSessionBuilder(t *testing.T) {
	info := NewSessionBuilder("s1").Agent("bot").Messages(3).Meta("k", "v").
		Ended(core.StatusFailed, Epoch.Add(time.Minute)).Build()

	assert.Equal(t, "bot", info.AgentID)
	assert.Equal(t, 3, info.MessageCount)
	assert.Equal(t, "v", info.Metadata["k"])
	assert.Equal(t, core.StatusFailed, info.Status)
}

func TestLifecycle(t *testing.T) {
	evs := Lifecycle("s1")
	assert.Equal(t, core.EventCreate, evs[0].Kind)
	assert.Equal(t, core.EventActivity, evs[1].Kind)
	assert.Equal(t, core.EventClose, evs[2].Kind)
	assert.Equal(t, core.StatusCompleted, evs[2].Session.Status)
}
