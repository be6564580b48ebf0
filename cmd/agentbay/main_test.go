package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbay/config"
	"github.com/hupe1980/agentbay/core"
)

func invoke(t *testing.T, args ...string) (core.SessionInfo, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	if err != nil {
		return core.SessionInfo{}, err
	}
	var info core.SessionInfo
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info), stdout.String())
	return info, nil
}

func invokeList(t *testing.T, args ...string) []core.SessionInfo {
	t.Helper()
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), args, &stdout, &stderr))
	var list []core.SessionInfo
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &list), stdout.String())
	return list
}

func TestCLI_SessionSurvivesProcesses(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	db := filepath.Join(t.TempDir(), "cli.db")
	global := []string{"--backend", "sqlite", "--sqlite-path", db, "--log-level", "error"}
	with := func(args ...string) []string { return append(append([]string{}, global...), args...) }

	info, err := invoke(t, with("start", "--agent", "support-bot", "--id", "s1", "--meta", "channel=web")...)
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "web", info.Metadata["channel"])

	_, err = invoke(t, with("start", "--agent", "support-bot", "--id", "s1")...)
	assert.ErrorIs(t, err, core.ErrAlreadyActive, "a second process must not restart a live session")

	info, err = invoke(t, with("activity", "--id", "s1", "--messages", "2", "--latency", "300ms", "--result", "success", "--prompt-tokens", "10")...)
	require.NoError(t, err)
	assert.Equal(t, 2, info.MessageCount)
	assert.Equal(t, 1, info.Quality.SuccessCount)

	info, err = invoke(t, with("get", "--id", "s1")...)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, info.Status)

	list := invokeList(t, with("list", "--agent", "support-bot")...)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, 2, list[0].MessageCount)

	info, err = invoke(t, with("end", "--id", "s1", "--status", "completed", "--quality", "excellent")...)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, info.Status)

	assert.Empty(t, invokeList(t, with("list", "--agent", "support-bot")...))

	_, err = invoke(t, with("get", "--id", "s1")...)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestCLI_Errors(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	mem := []string{"--backend", "memory", "--log-level", "error"}

	_, err := invoke(t)
	assert.Error(t, err)

	_, err = invoke(t, append(mem, "launch")...)
	assert.ErrorContains(t, err, "unknown command")

	_, err = invoke(t, append(mem, "start")...)
	assert.ErrorContains(t, err, "--agent is required")

	_, err = invoke(t, append(mem, "end", "--id", "s1", "--status", "paused")...)
	assert.ErrorIs(t, err, core.ErrInvalidStatus)

	_, err = invoke(t, append(mem, "list")...)
	assert.ErrorContains(t, err, "--agent is required")

	_, err = invoke(t, append(mem, "activity", "--id", "nope")...)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}
