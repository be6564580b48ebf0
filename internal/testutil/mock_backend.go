package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hupe1980/agentbay/core"
)

// MockBackend is a testify mock of core.BackendStore for asserting exact
// call sequences.
type MockBackend struct{ mock.Mock }

var _ core.BackendStore = (*MockBackend)(nil)

// CreateSession implements core.BackendStore.
func (m *MockBackend) CreateSession(ctx context.Context, info core.SessionInfo) error {
	args := m.Called(ctx, info)
	return args.Error(0)
}

// UpdateSession implements core.BackendStore.
func (m *MockBackend) UpdateSession(ctx context.Context, sessionID string, fields core.MergeFields) error {
	args := m.Called(ctx, sessionID, fields)
	return args.Error(0)
}

// CloseSession implements core.BackendStore.
func (m *MockBackend) CloseSession(ctx context.Context, sessionID string, status core.Status, fields core.MergeFields) error {
	args := m.Called(ctx, sessionID, status, fields)
	return args.Error(0)
}

// GetSession implements core.BackendStore.
func (m *MockBackend) GetSession(ctx context.Context, sessionID string) (core.Record, error) {
	args := m.Called(ctx, sessionID)
	rec, _ := args.Get(0).(core.Record)
	return rec, args.Error(1)
}
