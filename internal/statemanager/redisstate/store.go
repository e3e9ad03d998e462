// Package redisstate provides a Redis-backed domain.StateManager: the
// reference external store for the decentralised engine variant, letting
// several engine processes share one transfer map (spec §4.4).
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/SOFIE-project/Interledger/internal/domain"
)

// Store implements domain.StateManager against a Redis keyspace:
//
//	entry:{id}      -> JSON-encoded domain.Transfer snapshot
//	claim:{id}      -> ULID, present once an instance has won the send claim
//	status_of:{id}  -> the external status currently indexed for id
//	status:{status} -> set of ids currently in that status
type Store struct {
	rdb       *redis.Client
	keyPrefix string
}

// New constructs a Store, pinging rdb with a short exponential backoff so
// transient connection issues at startup don't immediately fail the caller.
func New(ctx context.Context, rdb *redis.Client, keyPrefix string) (*Store, error) {
	if rdb == nil {
		return nil, fmt.Errorf("op=redisstate.New: %w: redis client is required", domain.ErrInvalidArgument)
	}
	if keyPrefix == "" {
		keyPrefix = "interledger"
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), pingCtx)
	if err := backoff.Retry(func() error { return rdb.Ping(pingCtx).Err() }, bo); err != nil {
		return nil, fmt.Errorf("op=redisstate.New: %w", err)
	}
	return &Store{rdb: rdb, keyPrefix: keyPrefix}, nil
}

func (s *Store) entryKey(id string) string    { return s.keyPrefix + ":entry:" + id }
func (s *Store) claimKey(id string) string    { return s.keyPrefix + ":claim:" + id }
func (s *Store) statusOfKey(id string) string { return s.keyPrefix + ":status_of:" + id }
func (s *Store) statusKey(st domain.Status) string {
	return s.keyPrefix + ":status:" + string(st)
}

// CreateEntry implements domain.StateManager. It uses SETNX so exactly one
// caller across every process sharing this keyspace observes created=true
// for a given id (spec §4.4: "duplicate ids are dropped at create_entry").
func (s *Store) CreateEntry(ctx context.Context, id string, t *domain.Transfer) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("op=redisstate.CreateEntry: %w", err)
	}
	created, err := s.rdb.SetNX(ctx, s.entryKey(id), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisstate.CreateEntry: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := s.rdb.SAdd(ctx, s.statusKey(t.GetStatus()), id).Err(); err != nil {
		return false, fmt.Errorf("op=redisstate.CreateEntry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.statusOfKey(id), string(t.GetStatus()), 0).Err(); err != nil {
		return false, fmt.Errorf("op=redisstate.CreateEntry: %w", err)
	}
	return true, nil
}

// SignalSendAcceptance implements domain.StateManager. The claim key is set
// with SETNX carrying a ULID so the winner is identifiable from the
// keyspace alone (useful for operational debugging); the engine itself only
// consults the boolean result.
func (s *Store) SignalSendAcceptance(ctx context.Context, id string) (bool, error) {
	accepted, err := s.rdb.SetNX(ctx, s.claimKey(id), ulid.Make().String(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisstate.SignalSendAcceptance: %w", err)
	}
	return accepted, nil
}

// UpdateEntry implements domain.StateManager: it moves id between the
// status-indexed sets and, when t is non-nil, refreshes its snapshot.
func (s *Store) UpdateEntry(ctx context.Context, id string, status domain.Status, t *domain.Transfer) (bool, error) {
	oldStatus, err := s.rdb.Get(ctx, s.statusOfKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
	}
	if oldStatus != "" && oldStatus != string(status) {
		if err := s.rdb.SRem(ctx, s.statusKey(domain.Status(oldStatus)), id).Err(); err != nil {
			return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
		}
	}
	if err := s.rdb.SAdd(ctx, s.statusKey(status), id).Err(); err != nil {
		return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.statusOfKey(id), string(status), 0).Err(); err != nil {
		return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
	}
	if t != nil {
		data, err := json.Marshal(t)
		if err != nil {
			return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
		}
		if err := s.rdb.Set(ctx, s.entryKey(id), data, 0).Err(); err != nil {
			return false, fmt.Errorf("op=redisstate.UpdateEntry: %w", err)
		}
	}
	return true, nil
}

// ReceiveEntryEvents implements domain.StateManager: it lists every id
// currently indexed under status and returns their snapshots, letting the
// caller refill its local working buckets (spec §4.4).
func (s *Store) ReceiveEntryEvents(ctx context.Context, status domain.Status) ([]*domain.Transfer, error) {
	ids, err := s.rdb.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstate.ReceiveEntryEvents: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisstate.ReceiveEntryEvents: %w", err)
	}
	transfers := make([]*domain.Transfer, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t domain.Transfer
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		transfers = append(transfers, &t)
	}
	return transfers, nil
}

// pingTimeout bounds how long New waits for Redis to become reachable.
const pingTimeout = 5 * time.Second
