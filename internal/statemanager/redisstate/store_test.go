package redisstate_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/SOFIE-project/Interledger/internal/domain"
	"github.com/SOFIE-project/Interledger/internal/statemanager/redisstate"
)

func newTestStore(t *testing.T) *redisstate.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := redisstate.New(context.Background(), rdb, "test")
	require.NoError(t, err)
	return store
}

func TestStore_CreateEntry_DropsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := domain.NewTransfer("dup", []byte{0x01})

	created, err := store.CreateEntry(ctx, "dup", tr)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.CreateEntry(ctx, "dup", tr)
	require.NoError(t, err)
	require.False(t, created)
}

func TestStore_SignalSendAcceptance_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.SignalSendAcceptance(ctx, "race")
	require.NoError(t, err)
	require.True(t, first)

	second, err := store.SignalSendAcceptance(ctx, "race")
	require.NoError(t, err)
	require.False(t, second)
}

func TestStore_UpdateEntry_MovesBetweenStatusSets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := domain.NewTransfer("m", []byte{0x02})
	_, err := store.CreateEntry(ctx, "m", tr)
	require.NoError(t, err)

	ready, err := store.ReceiveEntryEvents(ctx, domain.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "m", ready[0].ID())

	tr.SetStatus(domain.StatusResponded)
	ok, err := store.UpdateEntry(ctx, "m", domain.StatusResponded, tr)
	require.NoError(t, err)
	require.True(t, ok)

	ready, err = store.ReceiveEntryEvents(ctx, domain.StatusReady)
	require.NoError(t, err)
	require.Empty(t, ready)

	responded, err := store.ReceiveEntryEvents(ctx, domain.StatusResponded)
	require.NoError(t, err)
	require.Len(t, responded, 1)
	require.Equal(t, domain.StatusResponded, responded[0].GetStatus())
}

func TestStore_ReceiveEntryEvents_EmptyStatusReturnsNil(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	transfers, err := store.ReceiveEntryEvents(ctx, domain.StatusFinalized)
	require.NoError(t, err)
	require.Empty(t, transfers)
}

func TestStore_New_RequiresClient(t *testing.T) {
	_, err := redisstate.New(context.Background(), nil, "")
	require.Error(t, err)
}
