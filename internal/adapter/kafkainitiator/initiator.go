// Package kafkainitiator provides a reference domain.Initiator that treats a
// Kafka/Redpanda topic as the source ledger's signalling channel: one
// record in means one Transfer admitted. Commit/abort are out of scope for
// a topic (there is no chain-specific call to make back onto a log), so
// they are logged no-ops.
package kafkainitiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/SOFIE-project/Interledger/internal/domain"
)

// Initiator consumes a single topic at-least-once. The engine's own
// at-least-once contract (duplicates are tolerated, never deduplicated by
// id at this layer) makes a transactional/exactly-once session unnecessary
// here.
type Initiator struct {
	client     *kgo.Client
	topic      string
	ledgerType domain.LedgerType
}

// New constructs an Initiator consuming topic from brokers under groupID.
func New(brokers []string, groupID, topic string, ledgerType domain.LedgerType) (*Initiator, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafkainitiator.New: %w: no seed brokers provided", domain.ErrInvalidArgument)
	}
	if groupID == "" || topic == "" {
		return nil, fmt.Errorf("op=kafkainitiator.New: %w: group id and topic are required", domain.ErrInvalidArgument)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafkainitiator.New: %w", err)
	}
	return &Initiator{client: client, topic: topic, ledgerType: ledgerType}, nil
}

// ListenForEvents implements domain.Initiator: it polls the consumer group
// in a background goroutine and emits one Transfer per record, closing the
// channel once ctx is done.
func (i *Initiator) ListenForEvents(ctx context.Context) (<-chan *domain.Transfer, error) {
	out := make(chan *domain.Transfer)
	go func() {
		defer close(out)
		for {
			fetches := i.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				if !errors.Is(err, context.Canceled) {
					slog.Error("kafka fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
				}
			})
			fetches.EachRecord(func(r *kgo.Record) {
				select {
				case out <- domain.NewTransfer(string(r.Key), r.Value):
				case <-ctx.Done():
				}
			})
		}
	}()
	return out, nil
}

// CommitSending implements domain.Initiator. A topic has no chain-specific
// commit call to make; this logs the outcome and reports success so the
// pipeline still reaches FINALIZED.
func (i *Initiator) CommitSending(ctx context.Context, id string, data []byte) (domain.CommitResult, error) {
	slog.Info("commit (no-op)", slog.String("id", id))
	return domain.CommitResult{Status: true}, nil
}

// AbortSending implements domain.Initiator, mirroring CommitSending.
func (i *Initiator) AbortSending(ctx context.Context, id string, reason domain.ErrorCode) (domain.AbortResult, error) {
	slog.Info("abort (no-op)", slog.String("id", id), slog.String("reason", reason.String()))
	return domain.AbortResult{Status: true}, nil
}

// LedgerType implements domain.Initiator.
func (i *Initiator) LedgerType() domain.LedgerType { return i.ledgerType }

// Close releases the underlying Kafka client.
func (i *Initiator) Close() { i.client.Close() }
