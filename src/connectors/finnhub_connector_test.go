package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFinnhubServer(t *testing.T, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Finnhub-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			_, _ = w.Write([]byte(`{"c":187.5,"d":2.5,"dp":1.35,"h":188,"l":184,"o":185,"pc":185,"t":1709568000}`))
		default:
			_, _ = w.Write([]byte(`{"c":0,"d":null,"dp":null,"h":0,"l":0,"o":0,"pc":0,"t":0}`))
		}
	})
	mux.HandleFunc("/stock/profile2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("symbol") == "AAPL" {
			_, _ = w.Write([]byte(`{"name":"Apple Inc","ticker":"AAPL","exchange":"NASDAQ NMS - GLOBAL MARKET","currency":"USD"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFinnhubClientFetchQuote(t *testing.T) {
	srv, _ := newFinnhubServer(t, 0)
	c := NewFinnhubClient("secret", srv.URL, 2*time.Second, 0)

	q, err := c.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.CurrentPrice.Equal(decimal.RequireFromString("187.5")))
	assert.True(t, q.PreviousClose.Equal(decimal.NewFromInt(185)))
	assert.Equal(t, time.Unix(1709568000, 0).UTC(), q.UpdatedAt)
}

func TestFinnhubClientUnknownSymbol(t *testing.T) {
	srv, _ := newFinnhubServer(t, 0)
	c := NewFinnhubClient("secret", srv.URL, 2*time.Second, 0)

	_, err := c.FetchQuote(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSymbolNotFound))

	_, err = c.LookupSecurity(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
}

func TestFinnhubClientRetriesServerErrors(t *testing.T) {
	srv, calls := newFinnhubServer(t, 2)
	c := NewFinnhubClient("secret", srv.URL, 2*time.Second, 2)
	c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	q, err := c.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Usable())
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestFinnhubClientGivesUpAfterRetries(t *testing.T) {
	srv, _ := newFinnhubServer(t, 100)
	c := NewFinnhubClient("secret", srv.URL, 2*time.Second, 1)
	c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	_, err := c.FetchQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSymbolNotFound))
}

func TestFinnhubClientLookupSecurity(t *testing.T) {
	srv, _ := newFinnhubServer(t, 0)
	c := NewFinnhubClient("secret", srv.URL, 2*time.Second, 0)

	p, err := c.LookupSecurity(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc", p.Name)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "equity", p.AssetClass)
}
