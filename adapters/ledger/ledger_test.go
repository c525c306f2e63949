package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxFixtures(t *testing.T) {
	l := NewSandboxLedger(nil)
	ctx := context.Background()

	accounts, err := l.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "user-1-current", accounts[0].ID)

	again, err := l.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, accounts, again)

	_, err = l.GetAccount(ctx, "user-2", "user-1-current")
	assert.ErrorIs(t, err, core.ErrNotFound)

	balances, err := l.GetBalances(ctx, "user-1", "user-1-current")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.False(t, balances[0].Amount.IsNegative())

	txs, err := l.ListTransactions(ctx, "user-1", "user-1-current", core.Page{Limit: 10, Offset: 45})
	require.NoError(t, err)
	assert.Len(t, txs, 5)
}

func TestSandboxAutoSettle(t *testing.T) {
	l := NewSandboxLedger(nil)
	settled := make(chan string, 2)
	l.AutoSettle(func(_ context.Context, id string, s core.Settlement) error {
		assert.True(t, s.Succeeded)
		settled <- id
		return nil
	}, time.Millisecond)

	p := &core.Payment{ID: "pay-1", Amount: decimal.RequireFromString("25.50"), Currency: "EUR"}
	require.NoError(t, l.SubmitPayment(context.Background(), p))
	require.NoError(t, l.SubmitPayment(context.Background(), p))

	select {
	case id := <-settled:
		assert.Equal(t, "pay-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("payment not settled")
	}
	_, ok := l.Submitted("pay-1")
	assert.True(t, ok)
}

func TestHTTPLedgerReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/user-1/accounts":
			json.NewEncoder(w).Encode(map[string]any{
				"accounts": []map[string]any{{"id": "acc-1", "currency": "EUR"}},
			})
		case "/users/user-1/accounts/acc-1/balances":
			w.Write([]byte(`{"balances":[{"account_id":"acc-1","amount":"120.45","currency":"EUR"}]}`))
		case "/users/user-1/accounts/acc-1/transactions":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"transactions":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l := NewHTTPLedger(srv.URL, time.Second)
	ctx := context.Background()

	accounts, err := l.ListAccounts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-1", accounts[0].ID)

	balances, err := l.GetBalances(ctx, "user-1", "acc-1")
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.Equal(decimal.RequireFromString("120.45")))

	_, err = l.ListTransactions(ctx, "user-1", "acc-1", core.Page{Limit: 5})
	require.NoError(t, err)

	_, err = l.GetAccount(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestHTTPLedgerSubmitPayment(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "pay-1", r.Header.Get("Idempotency-Key"))
		var order paymentOrder
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, "25.5", order.Amount.String())
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer srv.Close()

	l := NewHTTPLedger(srv.URL, time.Second)
	p := &core.Payment{ID: "pay-1", Amount: decimal.RequireFromString("25.50"), Currency: "EUR"}

	err := l.SubmitPayment(context.Background(), p)
	assert.ErrorIs(t, err, core.ErrTemporarilyUnavailable)
	assert.NoError(t, l.SubmitPayment(context.Background(), p))
	assert.NoError(t, l.SubmitPayment(context.Background(), p))
}

func TestHTTPLedgerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewHTTPLedger(srv.URL, 100*time.Millisecond).ListAccounts(context.Background(), "user-1")
	assert.ErrorIs(t, err, core.ErrTemporarilyUnavailable)
}
