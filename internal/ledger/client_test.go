package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagechannel/channel-server-go/internal/model"
)

func testClient(url string) *Client {
	return NewClient(ClientConfig{
		BaseURL:          url,
		Token:            "gw-token",
		Timeout:          time.Second,
		RetryInitial:     time.Millisecond,
		RetryMaxInterval: 5 * time.Millisecond,
		RetryMaxElapsed:  200 * time.Millisecond,
	})
}

func TestQueryChannel(t *testing.T) {
	t.Run("decodes existing channel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/channels/ch-1", r.URL.Path)
			assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))
			w.Write([]byte(`{"exists":true,"balance":"12.5"}`))
		}))
		defer srv.Close()

		state, err := testClient(srv.URL).QueryChannel(context.Background(), "ch-1")
		require.NoError(t, err)
		assert.True(t, state.Exists)
		assert.True(t, decimal.RequireFromString("12.5").Equal(state.Balance))
	})

	t.Run("404 means absent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		state, err := testClient(srv.URL).QueryChannel(context.Background(), "ch-1")
		require.NoError(t, err)
		assert.False(t, state.Exists)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"exists":true,"balance":"1"}`))
		}))
		defer srv.Close()

		state, err := testClient(srv.URL).QueryChannel(context.Background(), "ch-1")
		require.NoError(t, err)
		assert.True(t, state.Exists)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).QueryChannel(context.Background(), "ch-1")
		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).QueryChannel(context.Background(), "ch-1")
		assert.Error(t, err)
	})
}

func TestSubmitSettlement(t *testing.T) {
	t.Run("omits zero payout field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, hasPayout := body["payout"]
			assert.False(t, hasPayout)
			assert.Equal(t, "ch-1", body["channelId"])
			assert.Equal(t, "sponsor", body["signer"])
			w.Write([]byte(`{"txRef":"tx-1"}`))
		}))
		defer srv.Close()

		ref, err := testClient(srv.URL).SubmitSettlement(context.Background(), SettlementRequest{LedgerChannelID: "ch-1", Signer: model.RoleSponsor})
		require.NoError(t, err)
		assert.Equal(t, "tx-1", ref)
	})

	t.Run("sends payout as decimal string", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "15", body["payout"])
			w.Write([]byte(`{"txRef":"tx-2"}`))
		}))
		defer srv.Close()

		payout := decimal.NewFromInt(15)
		_, err := testClient(srv.URL).SubmitSettlement(context.Background(), SettlementRequest{LedgerChannelID: "ch-1", Payout: &payout, Signer: model.RoleSponsor})
		require.NoError(t, err)
	})

	t.Run("4xx is a definitive rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"bad signature"}`))
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).SubmitSettlement(context.Background(), SettlementRequest{LedgerChannelID: "ch-1"})
		assert.True(t, errors.Is(err, ErrRejected))
	})

	t.Run("5xx is ambiguous and never retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := testClient(srv.URL).SubmitSettlement(context.Background(), SettlementRequest{LedgerChannelID: "ch-1"})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrRejected))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestQueryTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transactions/tx-ok":
			w.Write([]byte(`{"validated":true,"success":true}`))
		case "/transactions/tx-failed":
			w.Write([]byte(`{"validated":true,"success":false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := testClient(srv.URL)

	status, err := c.QueryTransaction(context.Background(), "tx-ok")
	require.NoError(t, err)
	assert.Equal(t, TxStatus{Validated: true, Success: true}, status)

	status, err = c.QueryTransaction(context.Background(), "tx-failed")
	require.NoError(t, err)
	assert.Equal(t, TxStatus{Validated: true, Success: false}, status)

	status, err = c.QueryTransaction(context.Background(), "tx-unknown")
	require.NoError(t, err)
	assert.Equal(t, TxStatus{}, status)
}
