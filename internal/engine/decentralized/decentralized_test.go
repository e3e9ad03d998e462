package decentralized_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/domain/mocks"
	"github.com/SOFIE-project/Interledger/internal/engine/decentralized"
	"github.com/SOFIE-project/Interledger/internal/observability"
)

type fakeInitiator struct {
	ch chan *domain.Transfer

	mu      sync.Mutex
	commits []string
	aborts  []string
}

func newFakeInitiator(transfers ...*domain.Transfer) *fakeInitiator {
	ch := make(chan *domain.Transfer, len(transfers))
	for _, t := range transfers {
		ch <- t
	}
	close(ch)
	return &fakeInitiator{ch: ch}
}

func (f *fakeInitiator) ListenForEvents(ctx context.Context) (<-chan *domain.Transfer, error) {
	return f.ch, nil
}

func (f *fakeInitiator) CommitSending(ctx context.Context, id string, data []byte) (domain.CommitResult, error) {
	f.mu.Lock()
	f.commits = append(f.commits, id)
	f.mu.Unlock()
	return domain.CommitResult{Status: true, TxHash: "0x111"}, nil
}

func (f *fakeInitiator) AbortSending(ctx context.Context, id string, reason domain.ErrorCode) (domain.AbortResult, error) {
	f.mu.Lock()
	f.aborts = append(f.aborts, id)
	f.mu.Unlock()
	return domain.AbortResult{Status: true, TxHash: "0x222"}, nil
}

func (f *fakeInitiator) LedgerType() domain.LedgerType { return domain.LedgerEthereum }

type fakeResponder struct {
	ledgerType domain.LedgerType
	accept     bool
}

func (f *fakeResponder) SendData(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	if !f.accept {
		return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure}, nil
	}
	return domain.SendResult{Status: true, TxHash: "r"}, nil
}

func (f *fakeResponder) LedgerType() domain.LedgerType { return f.ledgerType }

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// mockCalled reports whether method has been invoked on sm at least once,
// used to synchronise tests against negative outcomes (no commit/abort
// expected) without a fixed sleep.
func mockCalled(sm *mocks.MockStateManager, method string) bool {
	for _, call := range sm.Calls {
		if call.Method == method {
			return true
		}
	}
	return false
}

// runUntil starts e.Run in the background, waits for condition to hold (or
// fails the test after timeout), then asks the engine to stop and waits for
// a clean exit. The decentralised engine never terminates on its own — its
// event source closing is not a stopping condition, since the external
// store is an independent, ongoing source of work (spec §4.4) — so every
// test must drive it this way rather than waiting for Run to return.
func runUntil(t *testing.T, e *decentralized.Engine, condition func() bool) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.Eventually(t, condition, 2*time.Second, 10*time.Millisecond)

	e.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after Stop()")
	}
}

// A transfer that wins both create_entry and signal_send_acceptance is
// driven all the way to FINALIZED, with the READY, RESPONDED and FINALIZED
// transitions pushed outward via update_entry.
func TestDecentralized_WinnerDrivesToFinalized(t *testing.T) {
	tr := domain.NewTransfer("w", []byte{0x01})
	init := newFakeInitiator(tr)
	resp := &fakeResponder{ledgerType: domain.LedgerEthereum, accept: true}
	sm := &mocks.MockStateManager{}
	sm.On("CreateEntry", mock.Anything, "w", mock.Anything).Return(true, nil)
	sm.On("SignalSendAcceptance", mock.Anything, "w").Return(true, nil)
	sm.On("UpdateEntry", mock.Anything, "w", mock.Anything, mock.Anything).Return(true, nil)
	sm.On("ReceiveEntryEvents", mock.Anything, mock.Anything).Return([]*domain.Transfer(nil), nil)

	e, err := decentralized.New(init, resp, sm, testMetrics(), decentralized.WithPollInterval(time.Hour))
	require.NoError(t, err)

	runUntil(t, e, func() bool {
		commits, _ := e.Results()
		return len(commits) == 1
	})

	commits, aborts := e.Results()
	require.Len(t, commits, 1)
	assert.Len(t, aborts, 0)
	sm.AssertCalled(t, "UpdateEntry", mock.Anything, "w", domain.StatusReady, mock.Anything)
	sm.AssertCalled(t, "UpdateEntry", mock.Anything, "w", domain.StatusResponded, mock.Anything)
	sm.AssertCalled(t, "UpdateEntry", mock.Anything, "w", domain.StatusFinalized, mock.Anything)
}

// R1 (decentralised half): a duplicate id is dropped at create_entry before
// any send leg is attempted.
func TestDecentralized_DuplicateDroppedAtCreateEntry(t *testing.T) {
	tr := domain.NewTransfer("dup", []byte{0x01})
	init := newFakeInitiator(tr)
	resp := &fakeResponder{ledgerType: domain.LedgerEthereum, accept: true}
	sm := &mocks.MockStateManager{}
	sm.On("CreateEntry", mock.Anything, "dup", mock.Anything).Return(false, nil)
	sm.On("ReceiveEntryEvents", mock.Anything, mock.Anything).Return([]*domain.Transfer(nil), nil)

	e, err := decentralized.New(init, resp, sm, testMetrics(), decentralized.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	runUntil(t, e, func() bool {
		return mockCalled(sm, "CreateEntry")
	})

	commits, aborts := e.Results()
	assert.Len(t, commits, 0)
	assert.Len(t, aborts, 0)
	sm.AssertNotCalled(t, "SignalSendAcceptance", mock.Anything, mock.Anything)
}

// A peer that wins create_entry but loses the acceptance race skips the
// transfer entirely: no send, no finalisation on this instance.
func TestDecentralized_LosingAcceptanceRaceSkipsTransfer(t *testing.T) {
	tr := domain.NewTransfer("race", []byte{0x01})
	init := newFakeInitiator(tr)
	resp := &fakeResponder{ledgerType: domain.LedgerEthereum, accept: true}
	sm := &mocks.MockStateManager{}
	sm.On("CreateEntry", mock.Anything, "race", mock.Anything).Return(true, nil)
	sm.On("SignalSendAcceptance", mock.Anything, "race").Return(false, nil)
	sm.On("ReceiveEntryEvents", mock.Anything, mock.Anything).Return([]*domain.Transfer(nil), nil)

	e, err := decentralized.New(init, resp, sm, testMetrics(), decentralized.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	runUntil(t, e, func() bool {
		return mockCalled(sm, "SignalSendAcceptance")
	})

	commits, aborts := e.Results()
	assert.Len(t, commits, 0)
	assert.Len(t, aborts, 0)
	sm.AssertNotCalled(t, "UpdateEntry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// The periodic refill picks up READY entries deposited by another instance
// and drives them to completion even though they never arrived over this
// instance's own event channel.
func TestDecentralized_RefillPicksUpExternalReadyEntries(t *testing.T) {
	init := newFakeInitiator() // no events of its own
	resp := &fakeResponder{ledgerType: domain.LedgerEthereum, accept: true}
	external := domain.NewTransfer("ext", []byte{0x02})

	sm := &mocks.MockStateManager{}
	sm.On("ReceiveEntryEvents", mock.Anything, domain.StatusReady).Return([]*domain.Transfer{external}, nil).Once()
	sm.On("ReceiveEntryEvents", mock.Anything, domain.StatusReady).Return([]*domain.Transfer(nil), nil)
	sm.On("ReceiveEntryEvents", mock.Anything, domain.StatusResponded).Return([]*domain.Transfer(nil), nil)
	sm.On("UpdateEntry", mock.Anything, "ext", mock.Anything, mock.Anything).Return(true, nil)

	e, err := decentralized.New(init, resp, sm, testMetrics(), decentralized.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	runUntil(t, e, func() bool {
		commits, _ := e.Results()
		return len(commits) == 1
	})
}

func TestDecentralized_New_RequiresCollaborators(t *testing.T) {
	_, err := decentralized.New(nil, nil, nil, nil)
	require.Error(t, err)
}
