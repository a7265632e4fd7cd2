package hiroclient

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/logger"
)

const payTx = `{
  "tx_id": "0xabc",
  "tx_status": "success",
  "tx_type": "contract_call",
  "sender_address": "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7",
  "contract_call": {
    "contract_id": "SP3FBR2AGK5H9QBDH3EEN6DF8EK8JY7RX8QJ5SVTE.paywall",
    "function_name": "pay-for-content",
    "function_args": [
      {"name": "content-id", "type": "(string-ascii 64)", "repr": "\"article-42\""},
      {"name": "amount", "type": "uint", "repr": "u1000000"}
    ]
  }
}`

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/extended/v1/tx/0xabc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payTx))
	})
	mux.HandleFunc("/extended/v1/tx/0xpending", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tx_id":"0xpending","tx_status":"pending","tx_type":"token_transfer","token_transfer":{"recipient_address":"SP1","amount":"500"}}`))
	})
	mux.HandleFunc("/extended/v1/tx/0xaborted", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tx_id":"0xaborted","tx_status":"abort_by_response","tx_type":"contract_call","contract_call":{"function_name":"pay-for-content","function_args":[]}}`))
	})
	mux.HandleFunc("/extended/v1/tx/0xbroken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/extended/v1/block", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"results":[{"height":181234}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestGetTransaction tests mapping of Hiro transaction payloads into adapter details
func TestGetTransaction(t *testing.T) {
	srv := newTestServer(t)
	client := New(srv.URL, time.Second, &logger.EmptyLogger{})
	ctx := context.Background()

	t.Run("successful contract call", func(t *testing.T) {
		detail, err := client.GetTransaction(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, chain.TxStatusSuccess, detail.Status)
		assert.Equal(t, chain.TxTypeContractCall, detail.Type)
		assert.Equal(t, "pay-for-content", detail.Function)
		assert.Equal(t, "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7", detail.Sender)
		assert.Equal(t, big.NewInt(1000000), detail.Amount)
		assert.Equal(t, `"article-42"`, detail.Args["content-id"])
	})

	t.Run("pending transfer", func(t *testing.T) {
		detail, err := client.GetTransaction(ctx, "0xpending")
		require.NoError(t, err)
		assert.Equal(t, chain.TxStatusPending, detail.Status)
		assert.Equal(t, chain.TxTypeTokenTransfer, detail.Type)
		assert.Equal(t, big.NewInt(500), detail.Amount)
	})

	t.Run("aborted", func(t *testing.T) {
		detail, err := client.GetTransaction(ctx, "0xaborted")
		require.NoError(t, err)
		assert.Equal(t, chain.TxStatusFailed, detail.Status)
		assert.Nil(t, detail.Amount)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.GetTransaction(ctx, "0xmissing")
		assert.True(t, errors.Is(err, chain.ErrTxNotFound))
	})

	t.Run("upstream error", func(t *testing.T) {
		_, err := client.GetTransaction(ctx, "0xbroken")
		require.Error(t, err)
		assert.False(t, errors.Is(err, chain.ErrTxNotFound))
	})
}

func TestGetCurrentBlockHeight(t *testing.T) {
	srv := newTestServer(t)
	client := New(srv.URL, time.Second, &logger.EmptyLogger{})

	height, err := client.GetCurrentBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(181234), height)
}

func TestSubmitContractCallUnsupported(t *testing.T) {
	client := New("", time.Second, &logger.EmptyLogger{})
	_, err := client.SubmitContractCall(context.Background(), chain.ContractCall{Function: "charge-subscription"}, "key", nil)
	assert.True(t, errors.Is(err, chain.ErrUnsupported))
}

func TestParseUintRepr(t *testing.T) {
	n, ok := parseUintRepr("u42")
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(42), n)

	_, ok = parseUintRepr("42")
	assert.False(t, ok)
	_, ok = parseUintRepr("uabc")
	assert.False(t, ok)
}
