package httpledger_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOFIE-project/Interledger/internal/adapter/httpledger"
	"github.com/SOFIE-project/Interledger/internal/domain"
)

func TestAdapter_SendData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "tx_hash": "0xabc"})
	}))
	defer srv.Close()

	a, err := httpledger.New(srv.URL, domain.LedgerEthereum)
	require.NoError(t, err)

	res, err := a.SendData(context.Background(), "nonce-1", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, res.Status)
	assert.Equal(t, "0xabc", res.TxHash)
}

func TestAdapter_SendData_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "tx_hash": "0xretry"})
	}))
	defer srv.Close()

	a, err := httpledger.New(srv.URL, domain.LedgerEthereum)
	require.NoError(t, err)

	res, err := a.SendData(context.Background(), "nonce-2", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, res.Status)
	assert.Equal(t, 3, attempts)
}

func TestAdapter_SendData_4xxIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a, err := httpledger.New(srv.URL, domain.LedgerEthereum)
	require.NoError(t, err)

	_, err = a.SendData(context.Background(), "nonce-3", []byte("payload"))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestAdapter_CommitSending_KSICarriesData(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "tx_hash": "0xcommit"})
	}))
	defer srv.Close()

	a, err := httpledger.New(srv.URL, domain.LedgerKSI)
	require.NoError(t, err)

	res, err := a.CommitSending(context.Background(), "id-1", []byte("SIG"))
	require.NoError(t, err)
	assert.True(t, res.Status)
	assert.Equal(t, "id-1", gotBody["id"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("SIG")), gotBody["data"])
}

func TestAdapter_ListenForEvents_EmitsAndAdvancesCursor(t *testing.T) {
	page := 0
	secondSince := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 2 {
			secondSince <- r.URL.Query().Get("since")
		}
		w.Header().Set("Content-Type", "application/json")
		if page == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"events": []map[string]any{{"id": "e1", "data": []byte("d1")}},
				"next":   "cursor-1",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"events": []map[string]any{}, "next": "cursor-1"})
	}))
	defer srv.Close()

	a, err := httpledger.New(srv.URL, domain.LedgerEthereum, httpledger.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := a.ListenForEvents(ctx)
	require.NoError(t, err)

	select {
	case tr := <-events:
		assert.Equal(t, "e1", tr.ID())
	case <-time.After(1 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case since := <-secondSince:
		assert.Equal(t, "cursor-1", since)
	case <-time.After(1 * time.Second):
		t.Fatal("no second poll received")
	}
}

func TestAdapter_New_RequiresBaseURL(t *testing.T) {
	_, err := httpledger.New("", domain.LedgerEthereum)
	require.Error(t, err)
}
