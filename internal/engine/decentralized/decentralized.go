// Package decentralized implements the variant where the transfers map is
// owned by an external state-manager so that several engine processes can
// observe the same in-flight set, each claiming the transfers it will drive
// to completion (spec §4.4).
package decentralized

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/engine"
	"github.com/SOFIE-project/Interledger/internal/observability"
)

// defaultPollInterval governs how often ReceiveEntryEvents is polled to
// resync the local working set against the external store (e.g. after a
// restart, or to pick up entries another process deposited).
const defaultPollInterval = 2 * time.Second

type sendOutcome struct {
	transfer *domain.Transfer
	result   domain.SendResult
}

type confirmOutcome struct {
	transfer *domain.Transfer
	isCommit bool
	commit   domain.CommitResult
	abort    domain.AbortResult
}

// Engine drives the same state machine as the single-responder engine, but
// admission goes through a domain.StateManager and the READY, RESPONDED and
// FINALIZED transitions are pushed to it via UpdateEntry (spec §4.4). The
// SENT and CONFIRMING transitions stay local and are not pushed.
type Engine struct {
	initiator    domain.Initiator
	responder    domain.Responder
	stateManager domain.StateManager
	metrics      *observability.Metrics
	pollInterval time.Duration

	transfers map[string]*domain.Transfer // keyed by nonce

	mu            sync.Mutex
	resultsCommit []domain.Result
	resultsAbort  []domain.Result
	running       bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPollInterval overrides how often ReceiveEntryEvents is polled.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// New constructs a decentralised Engine.
func New(initiator domain.Initiator, responder domain.Responder, stateManager domain.StateManager, metrics *observability.Metrics, opts ...Option) (*Engine, error) {
	if initiator == nil || responder == nil || stateManager == nil {
		return nil, fmt.Errorf("op=decentralized.New: %w: initiator, responder and stateManager are required", domain.ErrInvalidArgument)
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	e := &Engine{
		initiator:    initiator,
		responder:    responder,
		stateManager: stateManager,
		metrics:      metrics,
		pollInterval: defaultPollInterval,
		transfers:    make(map[string]*domain.Transfer),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Results returns snapshots of the commit and abort logs accumulated so far.
func (e *Engine) Results() (commits, aborts []domain.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commits = append([]domain.Result(nil), e.resultsCommit...)
	aborts = append([]domain.Result(nil), e.resultsAbort...)
	return commits, aborts
}

// Stop asks Run to exit at the next loop iteration boundary.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done returns a channel closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }

// IsRunning reports whether Run is currently executing its loop.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run drives the loop until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.transfers = make(map[string]*domain.Transfer)
		e.mu.Unlock()
		close(e.doneCh)
	}()

	runID := uuid.NewString()
	ctx = observability.ContextWithRunID(ctx, runID)
	lg := observability.LoggerFromContext(ctx).With(slog.String("run_id", runID), slog.String("engine", "decentralized"))
	lg.Info("run started")

	events, err := e.initiator.ListenForEvents(ctx)
	if err != nil {
		return fmt.Errorf("op=decentralized.Run: %w", err)
	}

	sendCh := make(chan sendOutcome)
	confirmCh := make(chan confirmOutcome)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	outstandingSend := 0
	outstandingConfirm := 0

	for {
		if outstandingSend == 0 && outstandingConfirm == 0 {
			// Unlike the single-responder engine, a closed event channel is
			// not a stopping condition here: the external store, refilled on
			// every tick, is an independent source of work deposited by
			// peer instances. A nil events channel simply never becomes
			// ready in the select below, so the loop keeps idling on the
			// ticker/ctx/stop triggers instead of busy-looping.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case <-ticker.C:
				e.refill(ctx, lg)
			case t, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				e.admit(ctx, lg, t)
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case <-ticker.C:
				e.refill(ctx, lg)
			case t, ok := <-events:
				if ok {
					e.admit(ctx, lg, t)
				} else {
					events = nil
				}
			case out := <-sendCh:
				outstandingSend--
				e.handleSendOutcome(ctx, lg, out)
			case out := <-confirmCh:
				outstandingConfirm--
				e.handleConfirmOutcome(ctx, lg, out)
			}
		}

		outstandingSend += e.sendTransfer(ctx, lg, sendCh)
		outstandingConfirm += e.processResult(ctx, lg, confirmCh)
		e.cleanup()
	}
}

// admit registers a freshly observed transfer with the external store and,
// only if this instance wins the claim, adds it to the local working set.
// Per spec §4.4/§9 there is no early filter before the claim attempt: every
// created entry immediately signals acceptance.
func (e *Engine) admit(ctx context.Context, lg *slog.Logger, t *domain.Transfer) {
	created, err := e.stateManager.CreateEntry(ctx, t.ID(), t)
	if err != nil {
		lg.Error("CreateEntry failed", slog.String("id", t.ID()), slog.Any("error", err))
		return
	}
	if !created {
		lg.Info("duplicate id dropped at create_entry", slog.String("id", t.ID()))
		return
	}
	accepted, err := e.stateManager.SignalSendAcceptance(ctx, t.ID())
	if err != nil {
		lg.Error("SignalSendAcceptance failed", slog.String("id", t.ID()), slog.Any("error", err))
		return
	}
	if !accepted {
		lg.Info("lost send-acceptance race, skipping", slog.String("id", t.ID()))
		return
	}
	e.admitLocal(lg, t)
	if _, err := e.stateManager.UpdateEntry(ctx, t.ID(), domain.StatusReady, t); err != nil {
		lg.Error("UpdateEntry failed", slog.String("id", t.ID()), slog.Any("error", err))
	}
}

func (e *Engine) admitLocal(lg *slog.Logger, t *domain.Transfer) {
	if _, exists := e.transfers[t.Nonce()]; exists {
		return
	}
	e.transfers[t.Nonce()] = t
	e.metrics.InFlight.WithLabelValues(string(domain.StatusReady)).Inc()
	lg.Info("transfer admitted", slog.String("id", t.ID()), slog.String("nonce", t.Nonce()))
}

// refill resyncs the local working set against the external store, adding
// every READY and RESPONDED entry it does not already hold, including
// entries another instance deposited. It does not run the claim protocol
// (SignalSendAcceptance) for the entries it adds.
func (e *Engine) refill(ctx context.Context, lg *slog.Logger) {
	ready, err := e.stateManager.ReceiveEntryEvents(ctx, domain.StatusReady)
	if err != nil {
		lg.Error("ReceiveEntryEvents(READY) failed", slog.Any("error", err))
	} else {
		for _, t := range ready {
			e.admitLocal(lg, t)
		}
	}
	responded, err := e.stateManager.ReceiveEntryEvents(ctx, domain.StatusResponded)
	if err != nil {
		lg.Error("ReceiveEntryEvents(RESPONDED) failed", slog.Any("error", err))
		return
	}
	for _, t := range responded {
		if _, exists := e.transfers[t.Nonce()]; exists {
			continue
		}
		e.transfers[t.Nonce()] = t
		e.metrics.InFlight.WithLabelValues(string(domain.StatusResponded)).Inc()
	}
}

func (e *Engine) sendTransfer(ctx context.Context, lg *slog.Logger, sendCh chan<- sendOutcome) int {
	started := 0
	for _, t := range e.transfers {
		if t.GetStatus() != domain.StatusReady {
			continue
		}
		t.SetStatus(domain.StatusSent)
		t.MarkSendOutstanding()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusReady)).Dec()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusSent)).Inc()
		started++
		go func(t *domain.Transfer) {
			tr := observability.Tracer("decentralized")
			spanCtx, span := tr.Start(ctx, "engine.send")
			defer span.End()
			res, err := e.responder.SendData(spanCtx, t.Nonce(), t.Payload.Data)
			if err != nil {
				lg.Error("responder.SendData returned an error; treating as rejection",
					slog.String("nonce", t.Nonce()), slog.Any("error", err))
				res = domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
			}
			sendCh <- sendOutcome{transfer: t, result: res}
		}(t)
	}
	return started
}

func (e *Engine) handleSendOutcome(ctx context.Context, lg *slog.Logger, out sendOutcome) {
	t := out.transfer
	t.ClearSendOutstanding()
	t.Result.Status = out.result.Status
	t.Result.TxHash = out.result.TxHash
	t.Result.ErrorCode = out.result.ErrorCode
	t.Result.Message = out.result.Message
	t.SetStatus(domain.StatusResponded)
	e.metrics.InFlight.WithLabelValues(string(domain.StatusSent)).Dec()
	e.metrics.InFlight.WithLabelValues(string(domain.StatusResponded)).Inc()
	if _, err := e.stateManager.UpdateEntry(ctx, t.ID(), domain.StatusResponded, t); err != nil {
		lg.Error("UpdateEntry failed", slog.String("id", t.ID()), slog.Any("error", err))
	}
	lg.Info("send completed", slog.String("nonce", t.Nonce()), slog.Bool("status", out.result.Status))
}

func (e *Engine) processResult(ctx context.Context, lg *slog.Logger, confirmCh chan<- confirmOutcome) int {
	started := 0
	for _, t := range e.transfers {
		if t.GetStatus() != domain.StatusResponded {
			continue
		}
		t.SetStatus(domain.StatusConfirming)
		t.MarkConfirmOutstanding()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusResponded)).Dec()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusConfirming)).Inc()
		started++
		commitAccepted := t.Result.Status
		go func(t *domain.Transfer, accepted bool) {
			tr := observability.Tracer("decentralized")
			spanCtx, span := tr.Start(ctx, "engine.confirm")
			defer span.End()
			if accepted {
				data := engine.CommitData(e.responder.LedgerType(), t.Result.TxHash)
				res, err := e.initiator.CommitSending(spanCtx, t.ID(), data)
				if err != nil {
					res = domain.CommitResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
				}
				confirmCh <- confirmOutcome{transfer: t, isCommit: true, commit: res}
				return
			}
			res, err := e.initiator.AbortSending(spanCtx, t.ID(), domain.ErrorCodeTransactionFailure)
			if err != nil {
				res = domain.AbortResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
			}
			confirmCh <- confirmOutcome{transfer: t, isCommit: false, abort: res}
		}(t, commitAccepted)
	}
	return started
}

func (e *Engine) handleConfirmOutcome(ctx context.Context, lg *slog.Logger, out confirmOutcome) {
	t := out.transfer
	t.ClearConfirmOutstanding()
	if out.isCommit {
		t.Result.CommitStatus = out.commit.Status
		t.Result.CommitTxHash = out.commit.TxHash
		t.Result.CommitError = out.commit.ErrorCode
		t.Result.CommitMessage = out.commit.Message
	} else {
		t.Result.AbortStatus = out.abort.Status
		t.Result.AbortTxHash = out.abort.TxHash
		t.Result.AbortError = out.abort.ErrorCode
		t.Result.AbortMessage = out.abort.Message
	}
	t.SetStatus(domain.StatusFinalized)
	e.metrics.InFlight.WithLabelValues(string(domain.StatusConfirming)).Dec()

	if _, err := e.stateManager.UpdateEntry(ctx, t.ID(), domain.StatusFinalized, t); err != nil {
		lg.Error("UpdateEntry failed", slog.String("id", t.ID()), slog.Any("error", err))
	}

	e.mu.Lock()
	if out.isCommit {
		e.resultsCommit = append(e.resultsCommit, t.Result)
		e.metrics.Finalized.WithLabelValues("commit").Inc()
	} else {
		e.resultsAbort = append(e.resultsAbort, t.Result)
		e.metrics.Finalized.WithLabelValues("abort").Inc()
	}
	e.mu.Unlock()

	lg.Info("transfer finalized", slog.String("nonce", t.Nonce()), slog.Bool("committed", out.isCommit))
}

func (e *Engine) cleanup() {
	for nonce, t := range e.transfers {
		if t.GetStatus() == domain.StatusFinalized {
			delete(e.transfers, nonce)
		}
	}
}
