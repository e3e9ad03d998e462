package quorum_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/engine/quorum"
	"github.com/SOFIE-project/Interledger/internal/observability"
)

type fakeInitiator struct {
	ch chan *domain.Transfer

	mu      sync.Mutex
	commits []commitCall
	aborts  []abortCall
}

type commitCall struct {
	id   string
	data []byte
}

type abortCall struct {
	id     string
	reason domain.ErrorCode
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
	f.commits = append(f.commits, commitCall{id: id, data: data})
	f.mu.Unlock()
	return domain.CommitResult{Status: true, TxHash: "0x111"}, nil
}

func (f *fakeInitiator) AbortSending(ctx context.Context, id string, reason domain.ErrorCode) (domain.AbortResult, error) {
	f.mu.Lock()
	f.aborts = append(f.aborts, abortCall{id: id, reason: reason})
	f.mu.Unlock()
	return domain.AbortResult{Status: true, TxHash: "0x222"}, nil
}

func (f *fakeInitiator) LedgerType() domain.LedgerType { return domain.LedgerEthereum }

// fakeMultiResponder answers both inquiry and execution calls according to
// a fixed accept/reject decision, recording every call it receives.
type fakeMultiResponder struct {
	ledgerType domain.LedgerType
	accept     bool

	mu           sync.Mutex
	inquiryCalls int
	sendCalls    int
	abortCalls   int
}

func (f *fakeMultiResponder) SendDataInquire(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	f.mu.Lock()
	f.inquiryCalls++
	f.mu.Unlock()
	if !f.accept {
		return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeInquiryReject}, nil
	}
	return domain.SendResult{Status: true, TxHash: "inq"}, nil
}

func (f *fakeMultiResponder) SendData(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	f.mu.Lock()
	f.sendCalls++
	f.mu.Unlock()
	if !f.accept {
		return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure}, nil
	}
	return domain.SendResult{Status: true, TxHash: "send"}, nil
}

func (f *fakeMultiResponder) AbortSendData(ctx context.Context, nonce string, reason domain.ErrorCode) (domain.SendResult, error) {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()
	return domain.SendResult{Status: true}, nil
}

func (f *fakeMultiResponder) LedgerType() domain.LedgerType { return f.ledgerType }

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func runToCompletion(t *testing.T, e *quorum.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
}

// B2: threshold == N requires unanimity; one dissenter aborts.
func TestQuorum_B2_UnanimityRequired(t *testing.T) {
	tr := domain.NewTransfer("u", []byte{0x01})
	init := newFakeInitiator(tr)
	responders := []domain.MultiResponder{
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true},
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true},
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: false},
	}
	e, err := quorum.New(init, responders, 3, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	commits, aborts := e.Results()
	assert.Len(t, commits, 0)
	require.Len(t, aborts, 1)
	assert.Equal(t, domain.ErrorCodeInquiryReject, init.aborts[0].reason)
}

// All N accept -> commit, with every responder's inquiry and send called
// exactly once (spec §4.3, "wait for all").
func TestQuorum_AllAcceptCommits(t *testing.T) {
	tr := domain.NewTransfer("a", []byte{0x01})
	init := newFakeInitiator(tr)
	r1 := &fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true}
	r2 := &fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true}
	r3 := &fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true}
	responders := []domain.MultiResponder{r1, r2, r3}

	e, err := quorum.New(init, responders, 2, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	commits, aborts := e.Results()
	require.Len(t, commits, 1)
	assert.Len(t, aborts, 0)
	for _, r := range []*fakeMultiResponder{r1, r2, r3} {
		assert.Equal(t, 1, r.inquiryCalls)
		assert.Equal(t, 1, r.sendCalls)
		assert.Equal(t, 0, r.abortCalls)
	}
}

// Inquiry rejected by majority -> best-effort abort_send_data on every
// responder, no send_data calls at all, and abort_sending(INQUIRY_REJECT)
// on the source.
func TestQuorum_InquiryRejectedSkipsExecution(t *testing.T) {
	tr := domain.NewTransfer("r", []byte{0x01})
	init := newFakeInitiator(tr)
	r1 := &fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: false}
	r2 := &fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: false}
	responders := []domain.MultiResponder{r1, r2}

	e, err := quorum.New(init, responders, 1, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	commits, aborts := e.Results()
	assert.Len(t, commits, 0)
	require.Len(t, aborts, 1)
	assert.Equal(t, domain.ErrorCodeInquiryReject, init.aborts[0].reason)
	for _, r := range []*fakeMultiResponder{r1, r2} {
		assert.Equal(t, 1, r.inquiryCalls)
		assert.Equal(t, 0, r.sendCalls)
		assert.Equal(t, 1, r.abortCalls)
	}
}

// R2: threshold=1 behaves like the single-responder engine would for one
// accepting responder among several rejecting ones.
func TestQuorum_B3_ThresholdOneIsSufficient(t *testing.T) {
	tr := domain.NewTransfer("o", []byte{0x01})
	init := newFakeInitiator(tr)
	responders := []domain.MultiResponder{
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: false},
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: false},
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true},
	}
	e, err := quorum.New(init, responders, 1, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	commits, aborts := e.Results()
	assert.Len(t, commits, 1)
	assert.Len(t, aborts, 0)
}

func TestQuorum_New_RejectsBadThreshold(t *testing.T) {
	responders := []domain.MultiResponder{&fakeMultiResponder{accept: true}}
	_, err := quorum.New(&fakeInitiator{}, responders, 0, testMetrics())
	assert.Error(t, err)
	_, err = quorum.New(&fakeInitiator{}, responders, 2, testMetrics())
	assert.Error(t, err)
}

// Multiple independent transfers finalise concurrently without cross-talk.
func TestQuorum_MultipleTransfersIndependent(t *testing.T) {
	transfers := make([]*domain.Transfer, 0, 6)
	for i := 0; i < 6; i++ {
		transfers = append(transfers, domain.NewTransfer(fmt.Sprintf("m-%d", i), []byte{byte(i)}))
	}
	init := newFakeInitiator(transfers...)
	responders := []domain.MultiResponder{
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true},
		&fakeMultiResponder{ledgerType: domain.LedgerEthereum, accept: true},
	}
	e, err := quorum.New(init, responders, 2, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	commits, aborts := e.Results()
	assert.Len(t, commits, 6)
	assert.Len(t, aborts, 0)
}

// KSI commit-data rule applies in quorum mode too, keyed off the
// responder set's ledger type.
func TestQuorum_KSICommitDataRule(t *testing.T) {
	tr := domain.NewTransfer("k", []byte{0x01})
	init := newFakeInitiator(tr)
	responders := []domain.MultiResponder{
		&fakeMultiResponder{ledgerType: domain.LedgerKSI, accept: true},
	}
	e, err := quorum.New(init, responders, 1, testMetrics())
	require.NoError(t, err)
	runToCompletion(t, e)

	require.Len(t, init.commits, 1)
	assert.Equal(t, []byte("send"), init.commits[0].data)
}
