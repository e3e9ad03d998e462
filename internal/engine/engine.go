// Package engine implements the single-responder Interledger pipeline: the
// in-memory, single-threaded cooperative state machine that drives every
// admitted Transfer from READY to FINALIZED (spec §4.2).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/observability"
)

// sendOutcome is the envelope a send_data goroutine posts back to the
// run loop; it is the Go analogue of the "awaitable handle" in spec §9.
type sendOutcome struct {
	transfer *domain.Transfer
	result   domain.SendResult
}

// confirmOutcome is the envelope a commit_sending/abort_sending goroutine
// posts back to the run loop.
type confirmOutcome struct {
	transfer *domain.Transfer
	isCommit bool
	commit   domain.CommitResult
	abort    domain.AbortResult
}

// Engine drives the single-responder pipeline of spec §4.2. Every mutation
// of its working sets happens on the single goroutine running inside Run;
// adapter calls run concurrently on their own goroutines but only report
// back through sendCh/confirmCh, never touching engine state directly
// (spec §5: "single-threaded cooperative... no locks, no shared mutation
// across threads").
type Engine struct {
	initiator domain.Initiator
	responder domain.Responder
	metrics   *observability.Metrics

	transfers map[string]*domain.Transfer // keyed by nonce

	mu            sync.Mutex // guards resultsCommit/resultsAbort and running
	resultsCommit []domain.Result
	resultsAbort  []domain.Result
	running       bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Engine wiring a single Initiator and a single Responder.
// metrics may be nil, in which case observability.Default() is used.
func New(initiator domain.Initiator, responder domain.Responder, metrics *observability.Metrics) (*Engine, error) {
	if initiator == nil || responder == nil {
		return nil, fmt.Errorf("op=engine.New: %w: initiator and responder are required", domain.ErrInvalidArgument)
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Engine{
		initiator: initiator,
		responder: responder,
		metrics:   metrics,
		transfers: make(map[string]*domain.Transfer),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Results returns snapshots of the commit and abort logs accumulated so
// far. Safe to call concurrently with Run (spec §6: "Observable sinks").
func (e *Engine) Results() (commits, aborts []domain.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commits = append([]domain.Result(nil), e.resultsCommit...)
	aborts = append([]domain.Result(nil), e.resultsAbort...)
	return commits, aborts
}

// Stop asks Run to exit at the next loop iteration boundary. Safe to call
// from any goroutine, at any time, any number of times (spec §5).
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done returns a channel closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// IsRunning reports whether Run is currently executing its loop.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run drives the loop until ctx is cancelled or Stop is called, or until the
// initiator's event channel is closed and no send or confirm call is
// outstanding. On exit the working set is reset (spec §4.2), but the
// commit/abort logs survive for inspection.
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
	lg := observability.LoggerFromContext(ctx).With(slog.String("run_id", runID), slog.String("engine", "single"))
	lg.Info("run started")

	events, err := e.initiator.ListenForEvents(ctx)
	if err != nil {
		return fmt.Errorf("op=engine.Run: %w", err)
	}

	sendCh := make(chan sendOutcome)
	confirmCh := make(chan confirmOutcome)
	outstandingSend := 0
	outstandingConfirm := 0

	for {
		if outstandingSend == 0 && outstandingConfirm == 0 {
			if events == nil {
				lg.Info("run stopping: event source closed, no work outstanding")
				return nil
			}
			// No outstanding work: block only on receive, so the loop is
			// idle (no busy wait) when there is nothing else to do (spec §8,
			// B1).
			select {
			case <-ctx.Done():
				lg.Info("run stopping: context cancelled")
				return ctx.Err()
			case <-e.stopCh:
				lg.Info("run stopping: Stop() called")
				return nil
			case t, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				e.admit(lg, t)
			}
		} else {
			// Outstanding work exists: wait for first completion among the
			// three triggers (spec §4.2 step 2).
			select {
			case <-ctx.Done():
				lg.Info("run stopping: context cancelled")
				return ctx.Err()
			case <-e.stopCh:
				lg.Info("run stopping: Stop() called")
				return nil
			case t, ok := <-events:
				if ok {
					e.admit(lg, t)
				} else {
					events = nil
				}
			case out := <-sendCh:
				outstandingSend--
				e.handleSendOutcome(lg, out)
			case out := <-confirmCh:
				outstandingConfirm--
				e.handleConfirmOutcome(lg, out)
			}
		}

		outstandingSend += e.sendTransfer(ctx, lg, sendCh)
		outstandingConfirm += e.processResult(ctx, lg, confirmCh)
		e.cleanup(lg)
	}
}

// admit appends a freshly observed transfer to the master working set
// (spec §4.2's state machine: "(none) -> READY").
func (e *Engine) admit(lg *slog.Logger, t *domain.Transfer) {
	e.transfers[t.Nonce()] = t
	e.metrics.InFlight.WithLabelValues(string(domain.StatusReady)).Inc()
	lg.Info("transfer admitted", slog.String("id", t.ID()), slog.String("nonce", t.Nonce()))
}

// sendTransfer launches send_data for every READY transfer, transitioning
// it to SENT, and returns how many new goroutines were started (spec §4.2
// step 3, "send_transfer").
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
			tr := observability.Tracer("engine")
			spanCtx, span := tr.Start(ctx, "engine.send")
			defer span.End()
			res, err := e.responder.SendData(spanCtx, t.Nonce(), t.Payload.Data)
			if err != nil {
				// Adapters are contractually required to translate failures
				// into result dictionaries (spec §4.2, §7); an escaping
				// error is treated as a rejected send so the pipeline still
				// makes progress toward a terminal state.
				lg.Error("responder.SendData returned an error; treating as rejection",
					slog.String("nonce", t.Nonce()), slog.Any("error", err))
				res = domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
			}
			sendCh <- sendOutcome{transfer: t, result: res}
		}(t)
	}
	return started
}

// handleSendOutcome applies a completed send_data call: stores the reply
// and transitions READY's successor state (spec §4.2, "SENT -> RESPONDED").
func (e *Engine) handleSendOutcome(lg *slog.Logger, out sendOutcome) {
	t := out.transfer
	t.ClearSendOutstanding()
	t.Result.Status = out.result.Status
	t.Result.TxHash = out.result.TxHash
	t.Result.ErrorCode = out.result.ErrorCode
	t.Result.Message = out.result.Message
	t.SetStatus(domain.StatusResponded)
	e.metrics.InFlight.WithLabelValues(string(domain.StatusSent)).Dec()
	e.metrics.InFlight.WithLabelValues(string(domain.StatusResponded)).Inc()
	lg.Info("send completed", slog.String("nonce", t.Nonce()), slog.Bool("status", out.result.Status))
}

// processResult launches commit_sending or abort_sending for every
// RESPONDED transfer, transitioning it to CONFIRMING (spec §4.2 step 3,
// "process_result").
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
			tr := observability.Tracer("engine")
			spanCtx, span := tr.Start(ctx, "engine.confirm")
			defer span.End()
			if accepted {
				data := CommitData(e.responder.LedgerType(), t.Result.TxHash)
				res, err := e.initiator.CommitSending(spanCtx, t.ID(), data)
				if err != nil {
					lg.Error("initiator.CommitSending returned an error", slog.String("nonce", t.Nonce()), slog.Any("error", err))
					res = domain.CommitResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
				}
				confirmCh <- confirmOutcome{transfer: t, isCommit: true, commit: res}
				return
			}
			res, err := e.initiator.AbortSending(spanCtx, t.ID(), domain.ErrorCodeTransactionFailure)
			if err != nil {
				lg.Error("initiator.AbortSending returned an error", slog.String("nonce", t.Nonce()), slog.Any("error", err))
				res = domain.AbortResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
			}
			confirmCh <- confirmOutcome{transfer: t, isCommit: false, abort: res}
		}(t, commitAccepted)
	}
	return started
}

// CommitData implements the commit-data rule (spec §4.2): when the
// responder's ledger is KSI (hash-anchoring), the commit carries the
// responder's tx_hash as auxiliary data; otherwise no data is passed.
func CommitData(responderLedger domain.LedgerType, txHash string) []byte {
	if responderLedger != domain.LedgerKSI {
		return nil
	}
	return []byte(txHash)
}

// handleConfirmOutcome applies a completed commit/abort call, finalising
// the transfer and recording it in the appropriate observable sink
// (spec §4.2, "CONFIRMING -> FINALIZED").
func (e *Engine) handleConfirmOutcome(lg *slog.Logger, out confirmOutcome) {
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

// cleanup removes every FINALIZED transfer from the master working set
// (spec §4.5). There are no per-phase buckets: sendTransfer and
// processResult select transfers from the same map by status, so cleanup
// is the only place transfers are removed.
func (e *Engine) cleanup(lg *slog.Logger) {
	for nonce, t := range e.transfers {
		if t.GetStatus() == domain.StatusFinalized {
			delete(e.transfers, nonce)
		}
	}
}
