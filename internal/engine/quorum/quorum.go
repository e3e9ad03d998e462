// Package quorum implements the multi-responder variant: an inquiry phase
// fanned out to every responder followed by an execution phase, both
// waiting for all N replies before the source ledger sees a decision
// (spec §4.3).
package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/engine"
	"github.com/SOFIE-project/Interledger/internal/observability"
)

// inquiryOutcome is posted once every responder has answered an inquiry.
type inquiryOutcome struct {
	transfer *domain.Transfer
	decision bool
	results  []domain.SendResult
}

// execOutcome is posted once every responder has completed the execution
// phase (either send_data or the best-effort abort_send_data cleanup).
type execOutcome struct {
	transfer       *domain.Transfer
	commitDecision bool
	results        []domain.SendResult
}

// confirmOutcome mirrors engine.confirmOutcome; duplicated here because the
// single-responder engine's copy is unexported.
type confirmOutcome struct {
	transfer *domain.Transfer
	isCommit bool
	commit   domain.CommitResult
	abort    domain.AbortResult
}

// Engine drives the two-phase quorum pipeline against a fixed set of
// MultiResponders, deciding the source-ledger outcome once `threshold` of
// them agree (spec §4.3).
type Engine struct {
	initiator  domain.Initiator
	responders []domain.MultiResponder
	threshold  int
	metrics    *observability.Metrics

	transfers map[string]*domain.Transfer

	mu            sync.Mutex
	resultsCommit []domain.Result
	resultsAbort  []domain.Result
	running       bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a quorum Engine. threshold must satisfy 1 <= threshold <=
// len(responders) (spec §4.3).
func New(initiator domain.Initiator, responders []domain.MultiResponder, threshold int, metrics *observability.Metrics) (*Engine, error) {
	if initiator == nil || len(responders) == 0 {
		return nil, fmt.Errorf("op=quorum.New: %w: initiator and at least one responder are required", domain.ErrInvalidArgument)
	}
	if threshold < 1 || threshold > len(responders) {
		return nil, fmt.Errorf("op=quorum.New: %w: threshold %d must satisfy 1 <= threshold <= %d",
			domain.ErrInvalidArgument, threshold, len(responders))
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Engine{
		initiator:  initiator,
		responders: responders,
		threshold:  threshold,
		metrics:    metrics,
		transfers:  make(map[string]*domain.Transfer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
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

// Run drives the quorum loop until ctx is cancelled or Stop is called, or
// until the initiator's event channel is closed and no phase is outstanding.
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
	lg := observability.LoggerFromContext(ctx).With(slog.String("run_id", runID), slog.String("engine", "quorum"))
	lg.Info("run started", slog.Int("responder_count", len(e.responders)), slog.Int("threshold", e.threshold))

	events, err := e.initiator.ListenForEvents(ctx)
	if err != nil {
		return fmt.Errorf("op=quorum.Run: %w", err)
	}

	inquiryCh := make(chan inquiryOutcome)
	execCh := make(chan execOutcome)
	confirmCh := make(chan confirmOutcome)
	outstanding := 0

	for {
		if outstanding == 0 {
			if events == nil {
				lg.Info("run stopping: event source closed, no work outstanding")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case t, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				e.admit(lg, t)
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.stopCh:
				return nil
			case t, ok := <-events:
				if ok {
					e.admit(lg, t)
				} else {
					events = nil
				}
			case out := <-inquiryCh:
				outstanding--
				e.handleInquiryOutcome(lg, out)
			case out := <-execCh:
				outstanding--
				e.handleExecOutcome(lg, out)
			case out := <-confirmCh:
				outstanding--
				e.handleConfirmOutcome(lg, out)
			}
		}

		outstanding += e.startInquiries(ctx, lg, inquiryCh)
		outstanding += e.startExecutions(ctx, lg, execCh)
		outstanding += e.startConfirms(ctx, lg, confirmCh)
		e.cleanup()
	}
}

func (e *Engine) admit(lg *slog.Logger, t *domain.Transfer) {
	e.transfers[t.Nonce()] = t
	e.metrics.InFlight.WithLabelValues(string(domain.StatusReady)).Inc()
	lg.Info("transfer admitted", slog.String("id", t.ID()), slog.String("nonce", t.Nonce()))
}

// startInquiries launches the inquiry phase for every READY transfer: N
// concurrent send_data_inquire calls, one outer goroutine per transfer that
// waits for all N before reporting back (spec §4.3 step 1).
func (e *Engine) startInquiries(ctx context.Context, lg *slog.Logger, inquiryCh chan<- inquiryOutcome) int {
	started := 0
	for _, t := range e.transfers {
		if t.GetStatus() != domain.StatusReady {
			continue
		}
		t.SetStatus(domain.StatusInquired)
		t.MarkSendOutstanding()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusReady)).Dec()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusInquired)).Inc()
		started++
		go func(t *domain.Transfer) {
			results := e.fanOut(ctx, "engine.inquiry", t, func(ctx context.Context, r domain.MultiResponder) domain.SendResult {
				res, err := r.SendDataInquire(ctx, t.Nonce(), t.Payload.Data)
				if err != nil {
					lg.Error("SendDataInquire returned an error; treating as rejection",
						slog.String("nonce", t.Nonce()), slog.Any("error", err))
					return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeInquiryReject, Message: err.Error()}
				}
				return res
			})
			decision := countAccepted(results) >= e.threshold
			inquiryCh <- inquiryOutcome{transfer: t, decision: decision, results: results}
		}(t)
	}
	return started
}

func (e *Engine) handleInquiryOutcome(lg *slog.Logger, out inquiryOutcome) {
	t := out.transfer
	t.ClearSendOutstanding()
	t.InquiryResults = out.results
	t.InquiryDecision = out.decision
	t.SetStatus(domain.StatusAnswered)
	e.metrics.InFlight.WithLabelValues(string(domain.StatusInquired)).Dec()
	e.metrics.InFlight.WithLabelValues(string(domain.StatusAnswered)).Inc()
	e.metrics.Quorum.WithLabelValues("inquiry").Observe(float64(countAccepted(out.results)))
	lg.Info("inquiry completed", slog.String("nonce", t.Nonce()), slog.Bool("decision", out.decision))
}

// startExecutions launches the execution phase for every ANSWERED transfer:
// send_data to all N on acceptance, or best-effort abort_send_data on
// rejection (spec §4.3 step 2).
func (e *Engine) startExecutions(ctx context.Context, lg *slog.Logger, execCh chan<- execOutcome) int {
	started := 0
	for _, t := range e.transfers {
		if t.GetStatus() != domain.StatusAnswered {
			continue
		}
		t.SetStatus(domain.StatusSent)
		t.MarkSendOutstanding()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusAnswered)).Dec()
		e.metrics.InFlight.WithLabelValues(string(domain.StatusSent)).Inc()
		started++
		accepted := t.InquiryDecision
		go func(t *domain.Transfer, accepted bool) {
			var results []domain.SendResult
			if accepted {
				results = e.fanOut(ctx, "engine.send", t, func(ctx context.Context, r domain.MultiResponder) domain.SendResult {
					res, err := r.SendData(ctx, t.Nonce(), t.Payload.Data)
					if err != nil {
						lg.Error("SendData returned an error; treating as rejection",
							slog.String("nonce", t.Nonce()), slog.Any("error", err))
						return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
					}
					return res
				})
			} else {
				results = e.fanOut(ctx, "engine.abort_cleanup", t, func(ctx context.Context, r domain.MultiResponder) domain.SendResult {
					res, err := r.AbortSendData(ctx, t.Nonce(), domain.ErrorCodeInquiryReject)
					if err != nil {
						return domain.SendResult{Status: false, ErrorCode: domain.ErrorCodeInquiryReject, Message: err.Error()}
					}
					return res
				})
			}
			commitDecision := accepted && countAccepted(results) >= e.threshold
			execCh <- execOutcome{transfer: t, commitDecision: commitDecision, results: results}
		}(t, accepted)
	}
	return started
}

func (e *Engine) handleExecOutcome(lg *slog.Logger, out execOutcome) {
	t := out.transfer
	t.ClearSendOutstanding()
	t.SendResults = out.results
	t.Result.Status = out.commitDecision
	t.SetStatus(domain.StatusResponded)
	e.metrics.InFlight.WithLabelValues(string(domain.StatusSent)).Dec()
	e.metrics.InFlight.WithLabelValues(string(domain.StatusResponded)).Inc()
	e.metrics.Quorum.WithLabelValues("execution").Observe(float64(countAccepted(out.results)))
	lg.Info("execution completed", slog.String("nonce", t.Nonce()), slog.Bool("commit_decision", out.commitDecision))
}

// startConfirms drives the source-ledger decision for every RESPONDED
// transfer (spec §4.3 step 3).
func (e *Engine) startConfirms(ctx context.Context, lg *slog.Logger, confirmCh chan<- confirmOutcome) int {
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
		inquiryRejected := !t.InquiryDecision
		commitDecision := t.Result.Status
		go func(t *domain.Transfer, inquiryRejected, commitDecision bool) {
			tr := observability.Tracer("quorum")
			spanCtx, span := tr.Start(ctx, "quorum.confirm")
			defer span.End()

			switch {
			case inquiryRejected:
				res, err := e.initiator.AbortSending(spanCtx, t.ID(), domain.ErrorCodeInquiryReject)
				if err != nil {
					res = domain.AbortResult{Status: false, ErrorCode: domain.ErrorCodeInquiryReject, Message: err.Error()}
				}
				confirmCh <- confirmOutcome{transfer: t, isCommit: false, abort: res}
			case commitDecision:
				data := engine.CommitData(e.responders[0].LedgerType(), firstAcceptedTxHash(t.SendResults))
				res, err := e.initiator.CommitSending(spanCtx, t.ID(), data)
				if err != nil {
					res = domain.CommitResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
				}
				confirmCh <- confirmOutcome{transfer: t, isCommit: true, commit: res}
			default:
				res, err := e.initiator.AbortSending(spanCtx, t.ID(), domain.ErrorCodeTransactionFailure)
				if err != nil {
					res = domain.AbortResult{Status: false, ErrorCode: domain.ErrorCodeTransactionFailure, Message: err.Error()}
				}
				confirmCh <- confirmOutcome{transfer: t, isCommit: false, abort: res}
			}
		}(t, inquiryRejected, commitDecision)
	}
	return started
}

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

func (e *Engine) cleanup() {
	for nonce, t := range e.transfers {
		if t.GetStatus() == domain.StatusFinalized {
			delete(e.transfers, nonce)
		}
	}
}

// fanOut calls fn against every configured responder concurrently and
// returns their results index-aligned with e.responders, waiting for all N
// to complete before returning (spec §4.3: "wait for all, not first"). A
// responder whose handle would otherwise be missing at collection time is
// impossible here since the WaitGroup guarantees every slot is filled
// before fanOut returns (the tie-break rule in spec §4.3 is therefore
// unreachable by construction, not by special-casing a nil entry).
func (e *Engine) fanOut(ctx context.Context, spanName string, t *domain.Transfer, fn func(context.Context, domain.MultiResponder) domain.SendResult) []domain.SendResult {
	results := make([]domain.SendResult, len(e.responders))
	var wg sync.WaitGroup
	tr := observability.Tracer("quorum")
	for i, r := range e.responders {
		wg.Add(1)
		go func(i int, r domain.MultiResponder) {
			defer wg.Done()
			spanCtx, span := tr.Start(ctx, spanName)
			defer span.End()
			results[i] = fn(spanCtx, r)
		}(i, r)
	}
	wg.Wait()
	return results
}

func countAccepted(results []domain.SendResult) int {
	n := 0
	for _, r := range results {
		if r.Status {
			n++
		}
	}
	return n
}

func firstAcceptedTxHash(results []domain.SendResult) string {
	for _, r := range results {
		if r.Status {
			return r.TxHash
		}
	}
	return ""
}
