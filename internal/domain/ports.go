package domain

import "context"

//go:generate mockery --name=Initiator --with-expecter --filename=initiator_mock.go
//go:generate mockery --name=Responder --with-expecter --filename=responder_mock.go
//go:generate mockery --name=MultiResponder --with-expecter --filename=multi_responder_mock.go
//go:generate mockery --name=StateManager --with-expecter --filename=state_manager_mock.go

// Initiator observes a source ledger and applies the commit/abort decision
// the engine computes for each transfer (spec §4.1, §6).
type Initiator interface {
	// ListenForEvents produces a stream of admitted transfers. It must
	// block (internally) until at least one event is available and must
	// respect ctx cancellation, closing the returned channel when ctx is
	// done. The engine never reorders what it receives (spec §5: nonce
	// assignment is FIFO within a batch).
	ListenForEvents(ctx context.Context) (<-chan *Transfer, error)

	// CommitSending tells the source ledger the destination accepted the
	// transfer. data is non-nil only when the responder's LedgerType is
	// LedgerKSI (the commit-data rule, spec §4.2).
	CommitSending(ctx context.Context, id string, data []byte) (CommitResult, error)

	// AbortSending tells the source ledger the transfer did not complete,
	// carrying the reason code that drove the abort.
	AbortSending(ctx context.Context, id string, reason ErrorCode) (AbortResult, error)

	// LedgerType classifies this initiator's ledger.
	LedgerType() LedgerType
}

// Responder applies a payload to a destination ledger (spec §4.1, §6).
type Responder interface {
	// SendData forwards data under nonce to the destination. Both
	// status=true ("accepted") and status=false ("rejected") are normal
	// completions of this call; only a Go error indicates the adapter
	// failed to translate a failure into a result (spec §4.2, §7).
	SendData(ctx context.Context, nonce string, data []byte) (SendResult, error)

	// LedgerType classifies this responder's ledger; LedgerKSI triggers the
	// commit-data rule on the paired Initiator.
	LedgerType() LedgerType
}

// MultiResponder extends Responder with the two-phase quorum protocol
// (spec §4.3).
type MultiResponder interface {
	Responder

	// SendDataInquire asks the destination whether it would accept the
	// transfer, without committing it. Used only in quorum mode's inquiry
	// phase.
	SendDataInquire(ctx context.Context, nonce string, data []byte) (SendResult, error)

	// AbortSendData performs best-effort cleanup on a responder after a
	// quorum inquiry was rejected. Its reply is ignored for the commit
	// decision (spec §4.3).
	AbortSendData(ctx context.Context, nonce string, reason ErrorCode) (SendResult, error)
}

// StateManager externalises the transfer map for the decentralised variant
// so that multiple engine instances can coordinate over a shared external
// store (spec §4.4, §6). Every call is asynchronous from the engine's point
// of view; the engine makes no assumption about ordering of replies across
// different StateManager calls.
type StateManager interface {
	// CreateEntry registers a new transfer under id. It returns false (not
	// an error) if id already exists — duplicates are dropped here, never
	// at the engine (spec §4.4, R1).
	CreateEntry(ctx context.Context, id string, t *Transfer) (bool, error)

	// SignalSendAcceptance lets one engine instance claim the send leg for
	// id. It returns false if another peer already claimed it; the loser
	// must skip the transfer entirely.
	SignalSendAcceptance(ctx context.Context, id string) (bool, error)

	// UpdateEntry pushes a transfer's new status (and optionally its
	// updated snapshot) to the external store.
	UpdateEntry(ctx context.Context, id string, status Status, t *Transfer) (bool, error)

	// ReceiveEntryEvents asks the store for every transfer currently in the
	// given external status, refilling the engine's local working buckets.
	ReceiveEntryEvents(ctx context.Context, status Status) ([]*Transfer, error)
}
