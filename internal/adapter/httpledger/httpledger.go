// Package httpledger provides a reference Initiator/Responder/MultiResponder
// triplet over plain HTTP+JSON, so every port in domain/ports.go has at
// least one concrete, wire-level implementation. LedgerType is a
// constructor parameter rather than something the wire protocol carries,
// which is what lets the same adapter exercise the KSI commit-data rule
// simply by being configured with LedgerKSI.
package httpledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SOFIE-project/Interledger/internal/domain"
)

// Adapter calls a destination/source service's HTTP+JSON API. The same
// struct satisfies domain.Initiator, domain.Responder, and
// domain.MultiResponder; callers pick whichever subset of methods the
// engine variant they construct needs.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	ledgerType domain.LedgerType
	pollEvery  time.Duration
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithHTTPClient overrides the default *http.Client (e.g. to inject
// otelhttp instrumentation).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithPollInterval overrides how often ListenForEvents polls for new
// events. Default is one second.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) { a.pollEvery = d }
}

// New constructs an Adapter pointed at baseURL, classified under
// ledgerType.
func New(baseURL string, ledgerType domain.LedgerType, opts ...Option) (*Adapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("op=httpledger.New: %w: baseURL is required", domain.ErrInvalidArgument)
	}
	a := &Adapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ledgerType: ledgerType,
		pollEvery:  time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LedgerType implements domain.Initiator/domain.Responder.
func (a *Adapter) LedgerType() domain.LedgerType { return a.ledgerType }

// wireResult is the shared JSON shape for send/inquire/abort replies.
type wireResult struct {
	Status    bool   `json:"status"`
	TxHash    string `json:"tx_hash"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

func (w wireResult) toSendResult() domain.SendResult {
	return domain.SendResult{Status: w.Status, TxHash: w.TxHash, ErrorCode: domain.ErrorCode(w.ErrorCode), Message: w.Message}
}

// postJSON retries transient failures (network errors, 5xx) with bounded
// exponential backoff; a 4xx is treated as a definitive reply and never
// retried.
func (a *Adapter) postJSON(ctx context.Context, path string, body any, out *wireResult) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=httpledger.postJSON: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err // transient: network error, retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=httpledger.postJSON: status=%d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("op=httpledger.postJSON: status=%d", resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpledger.postJSON: %w", err))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=httpledger.postJSON: %w", err))
		}
		return nil
	}, bo)
}

// SendData implements domain.Responder.
func (a *Adapter) SendData(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	var out wireResult
	if err := a.postJSON(ctx, "/send", map[string]any{"nonce": nonce, "data": data}, &out); err != nil {
		return domain.SendResult{}, err
	}
	return out.toSendResult(), nil
}

// SendDataInquire implements domain.MultiResponder.
func (a *Adapter) SendDataInquire(ctx context.Context, nonce string, data []byte) (domain.SendResult, error) {
	var out wireResult
	if err := a.postJSON(ctx, "/send/inquire", map[string]any{"nonce": nonce, "data": data}, &out); err != nil {
		return domain.SendResult{}, err
	}
	return out.toSendResult(), nil
}

// AbortSendData implements domain.MultiResponder.
func (a *Adapter) AbortSendData(ctx context.Context, nonce string, reason domain.ErrorCode) (domain.SendResult, error) {
	var out wireResult
	if err := a.postJSON(ctx, "/send/abort", map[string]any{"nonce": nonce, "reason": int(reason)}, &out); err != nil {
		return domain.SendResult{}, err
	}
	return out.toSendResult(), nil
}

// CommitSending implements domain.Initiator.
func (a *Adapter) CommitSending(ctx context.Context, id string, data []byte) (domain.CommitResult, error) {
	var out wireResult
	if err := a.postJSON(ctx, "/commit", map[string]any{"id": id, "data": data}, &out); err != nil {
		return domain.CommitResult{}, err
	}
	return domain.CommitResult{Status: out.Status, TxHash: out.TxHash, ErrorCode: domain.ErrorCode(out.ErrorCode), Message: out.Message}, nil
}

// AbortSending implements domain.Initiator.
func (a *Adapter) AbortSending(ctx context.Context, id string, reason domain.ErrorCode) (domain.AbortResult, error) {
	var out wireResult
	if err := a.postJSON(ctx, "/abort", map[string]any{"id": id, "reason": int(reason)}, &out); err != nil {
		return domain.AbortResult{}, err
	}
	return domain.AbortResult{Status: out.Status, TxHash: out.TxHash, ErrorCode: domain.ErrorCode(out.ErrorCode), Message: out.Message}, nil
}

// wireEvent is the JSON shape for a single signalling event returned by
// GET /events.
type wireEvent struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// ListenForEvents implements domain.Initiator by polling GET
// {baseURL}/events?since=<cursor> and emitting one Transfer per event,
// advancing the cursor on every page.
func (a *Adapter) ListenForEvents(ctx context.Context) (<-chan *domain.Transfer, error) {
	out := make(chan *domain.Transfer)
	go func() {
		defer close(out)
		cursor := ""
		ticker := time.NewTicker(a.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			events, next, err := a.fetchEvents(ctx, cursor)
			if err != nil {
				continue // transient polling error; try again next tick
			}
			cursor = next
			for _, ev := range events {
				select {
				case out <- domain.NewTransfer(ev.ID, ev.Data):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) fetchEvents(ctx context.Context, cursor string) ([]wireEvent, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/events?since="+cursor, nil)
	if err != nil {
		return nil, cursor, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()

	var page struct {
		Events []wireEvent `json:"events"`
		Next   string      `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, cursor, err
	}
	return page.Events, page.Next, nil
}
