package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of the seven states a Transfer can occupy (spec §3).
// Single-responder engines only ever use the {READY, SENT, RESPONDED,
// CONFIRMING, FINALIZED} subset; the quorum engine additionally uses
// {INQUIRED, ANSWERED}.
type Status string

// Transfer states, in the order they are reachable (never revisited, per
// invariant 1).
const (
	StatusReady      Status = "READY"
	StatusInquired   Status = "INQUIRED"
	StatusAnswered   Status = "ANSWERED"
	StatusSent       Status = "SENT"
	StatusResponded  Status = "RESPONDED"
	StatusConfirming Status = "CONFIRMING"
	StatusFinalized  Status = "FINALIZED"
)

// LedgerType classifies an adapter's underlying ledger. The engine inspects
// it for exactly one policy decision: a KSI responder's tx_hash is passed as
// commit data (spec §4.2's commit-data rule).
type LedgerType string

// Recognised ledger types (spec §6).
const (
	LedgerEthereum            LedgerType = "ETHEREUM"
	LedgerHyperledgerFabric   LedgerType = "HYPERLEDGER_FABRIC"
	LedgerHyperledgerIndy     LedgerType = "HYPERLEDGER_INDY"
	LedgerKSI                 LedgerType = "KSI"
)

// Payload is the portion of a Transfer the engine itself reads: the
// source-ledger handle, the opaque data to forward, and the engine-assigned
// nonce. The engine touches only these three; Transfer has no field for
// further adapter-specific data.
type Payload struct {
	ID    string
	Data  []byte
	Nonce string
}

// Result accumulates fields from the responder's reply and, later, the
// merged initiator commit/abort reply (spec §3).
type Result struct {
	Status        bool
	TxHash        string
	ErrorCode     ErrorCode
	Message       string
	CommitStatus  bool
	CommitTxHash  string
	CommitError   ErrorCode
	CommitMessage string
	AbortStatus   bool
	AbortTxHash   string
	AbortError    ErrorCode
	AbortMessage  string
}

// SendResult is the shape returned by Responder.SendData and
// MultiResponder.SendDataInquire/AbortSendData (spec §6).
type SendResult struct {
	Status    bool
	TxHash    string
	ErrorCode ErrorCode
	Message   string
}

// CommitResult is the shape returned by Initiator.CommitSending.
type CommitResult struct {
	Status    bool
	TxHash    string
	ErrorCode ErrorCode
	Message   string
}

// AbortResult is the shape returned by Initiator.AbortSending.
type AbortResult struct {
	Status    bool
	TxHash    string
	ErrorCode ErrorCode
	Message   string
}

// Transfer is the unit of work: one record per incoming event, mutated only
// by the owning engine, eligible for removal once FINALIZED is observed
// (spec §3, invariant 5).
type Transfer struct {
	mu sync.Mutex

	Payload   Payload
	Status    Status
	CreatedAt time.Time

	// Result holds the responder/initiator reply fields populated as the
	// transfer advances.
	Result Result

	// Multi-mode bookkeeping (unused fields remain zero-valued in
	// single-responder mode).
	InquiryResults  []SendResult
	InquiryDecision bool
	SendResults     []SendResult

	// sendOutstanding/confirmOutstanding track whether a send_task or
	// confirm_task handle is currently in flight for this transfer (spec §3,
	// invariant 3 and 4: at most one outstanding call per leg).
	sendOutstanding    bool
	confirmOutstanding bool
}

// MarkSendOutstanding records that a send_data call has been launched for
// this transfer. Callers must not launch a second one while this is true.
func (t *Transfer) MarkSendOutstanding() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendOutstanding = true
}

// ClearSendOutstanding records that the outstanding send_data call has
// completed.
func (t *Transfer) ClearSendOutstanding() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendOutstanding = false
}

// HasSendTask reports whether a send_data call is currently outstanding.
func (t *Transfer) HasSendTask() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendOutstanding
}

// MarkConfirmOutstanding records that a commit_sending/abort_sending call
// has been launched for this transfer.
func (t *Transfer) MarkConfirmOutstanding() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmOutstanding = true
}

// ClearConfirmOutstanding records that the outstanding confirm call has
// completed.
func (t *Transfer) ClearConfirmOutstanding() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirmOutstanding = false
}

// HasConfirmTask reports whether a commit_sending/abort_sending call is
// currently outstanding.
func (t *Transfer) HasConfirmTask() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmOutstanding
}

// NewTransfer admits a freshly observed event into the engine, assigning it
// a globally unique nonce (spec §3, invariant 2). id and data come from the
// Initiator; the nonce is never supplied by the adapter.
func NewTransfer(id string, data []byte) *Transfer {
	return &Transfer{
		Payload: Payload{
			ID:    id,
			Data:  data,
			Nonce: uuid.NewString(),
		},
		Status:    StatusReady,
		CreatedAt: time.Now().UTC(),
	}
}

// SetStatus advances Status. Callers are responsible for only ever moving
// forward along the state machine (invariant 1); SetStatus itself does not
// validate the transition since the engine's single-threaded loop is the
// only caller and its phase ordering already guarantees monotonicity.
func (t *Transfer) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = s
}

// GetStatus returns the current status.
func (t *Transfer) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// ID is a convenience accessor for the source-ledger handle.
func (t *Transfer) ID() string { return t.Payload.ID }

// Nonce is a convenience accessor for the engine-assigned nonce.
func (t *Transfer) Nonce() string { return t.Payload.Nonce }
