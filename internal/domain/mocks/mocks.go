// Package mocks provides testify-based test doubles for the domain port
// interfaces, hand-written in the shape `go:generate mockery` would produce
// since there is no mockery invocation wired into this build.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SOFIE-project/Interledger/internal/domain"
)

// MockInitiator is a testify mock implementing domain.Initiator.
type MockInitiator struct {
	mock.Mock
}

// ListenForEvents implements domain.Initiator.
func (m *MockInitiator) ListenForEvents(ctx context.Context) (<-chan *domain.Transfer, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan *domain.Transfer)
	return ch, args.Error(1)
}

// CommitSending implements domain.Initiator.
func (m *MockInitiator) CommitSending(ctx context.Context, id string, data []byte) (domain.CommitResult, error) {
	args := m.Called(ctx, id, data)
	res, _ := args.Get(0).(domain.CommitResult)
	return res, args.Error(1)
}

// AbortSending implements domain.Initiator.
func (m *MockInitiator) AbortSending(ctx context.Context, id string, reason domain.ErrorCode) (domain.AbortResult, error) {
	args := m.Called(ctx, id, reason)
	res, _ := args.Get(0).(domain.AbortResult)
	return res, args.Error(1)
}

// LedgerType implements domain.Initiator.
func (m *MockInitiator) LedgerType() domain.LedgerType {
	args := m.Called()
	lt, _ := args.Get(0).(domain.LedgerType)
	return lt
}

// MockResponder is a testify mock implementing domain.Responder.
type MockResponder struct {
	mock.Mock
}

// SendData implements domain.Responder.
func (m *MockResponder) SendData(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	args := m.Called(ctx, nonce, data)
	res, _ := args.Get(0).(domain.SendResult)
	return res, args.Error(1)
}

// LedgerType implements domain.Responder.
func (m *MockResponder) LedgerType() domain.LedgerType {
	args := m.Called()
	lt, _ := args.Get(0).(domain.LedgerType)
	return lt
}

// MockMultiResponder is a testify mock implementing domain.MultiResponder.
type MockMultiResponder struct {
	mock.Mock
}

// SendData implements domain.MultiResponder (embeds Responder).
func (m *MockMultiResponder) SendData(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	args := m.Called(ctx, nonce, data)
	res, _ := args.Get(0).(domain.SendResult)
	return res, args.Error(1)
}

// LedgerType implements domain.MultiResponder.
func (m *MockMultiResponder) LedgerType() domain.LedgerType {
	args := m.Called()
	lt, _ := args.Get(0).(domain.LedgerType)
	return lt
}

// SendDataInquire implements domain.MultiResponder.
func (m *MockMultiResponder) SendDataInquire(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	args := m.Called(ctx, nonce, data)
	res, _ := args.Get(0).(domain.SendResult)
	return res, args.Error(1)
}

// AbortSendData implements domain.MultiResponder.
func (m *MockMultiResponder) AbortSendData(ctx context.Context, nonce string, reason domain.ErrorCode) (domain.SendResult, error) {
	args := m.Called(ctx, nonce, reason)
	res, _ := args.Get(0).(domain.SendResult)
	return res, args.Error(1)
}

// MockStateManager is a testify mock implementing domain.StateManager.
type MockStateManager struct {
	mock.Mock
}

// CreateEntry implements domain.StateManager.
func (m *MockStateManager) CreateEntry(ctx context.Context, id string, t *domain.Transfer) (bool, error) {
	args := m.Called(ctx, id, t)
	return args.Bool(0), args.Error(1)
}

// SignalSendAcceptance implements domain.StateManager.
func (m *MockStateManager) SignalSendAcceptance(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// UpdateEntry implements domain.StateManager.
func (m *MockStateManager) UpdateEntry(ctx context.Context, id string, status domain.Status, t *domain.Transfer) (bool, error) {
	args := m.Called(ctx, id, status, t)
	return args.Bool(0), args.Error(1)
}

// ReceiveEntryEvents implements domain.StateManager.
func (m *MockStateManager) ReceiveEntryEvents(ctx context.Context, status domain.Status) ([]*domain.Transfer, error) {
	args := m.Called(ctx, status)
	ts, _ := args.Get(0).([]*domain.Transfer)
	return ts, args.Error(1)
}
