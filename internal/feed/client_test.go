package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/chainheat/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const chainPayload = `{
	"underlying": "SPX",
	"event_ts": 1700000000000000,
	"expirations": [
		{
			"expiry": "2026-01-16",
			"contracts": [
				{"strike": 100, "right": "C", "bid": 4.5, "ask": 4.7, "delta": 0.5, "gamma": 0.02, "open_interest": 1200},
				{"strike": 100, "right": "P", "bid": 3.1, "ask": 3.3, "event_ts": 1700000000000500},
				{"strike": 105, "right": "X", "bid": 1.0, "ask": 1.2}
			]
		},
		{
			"expiry": "2026-02-20",
			"contracts": [
				{"strike": 100, "right": "C", "bid": 6.0, "ask": 6.4, "mid": 6.25}
			]
		}
	]
}`

func TestClient_GetChain(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chainPayload))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", WithLogger(testLogger()))
	snap, err := c.GetChain(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("GetChain: %v", err)
	}

	if gotPath != "/v1/chains/SPX" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}

	if snap.Underlying != "SPX" {
		t.Errorf("Underlying = %q", snap.Underlying)
	}
	if snap.EventTS != 1700000000000000 {
		t.Errorf("EventTS = %d", snap.EventTS)
	}
	// The unknown-right row is dropped; three valid contracts remain.
	if len(snap.Contracts) != 3 {
		t.Fatalf("len(Contracts) = %d, want 3", len(snap.Contracts))
	}

	call := snap.Contracts[0]
	if call.Strike != 1_000_000 || call.Right != model.RightCall {
		t.Errorf("contract 0 = %+v", call)
	}
	if call.Bid != 45_000 || call.Ask != 47_000 {
		t.Errorf("bid/ask = %d/%d", call.Bid, call.Ask)
	}
	if call.Greeks.Delta != 0.5 || call.OpenInterest != 1200 {
		t.Errorf("greeks/oi = %+v/%d", call.Greeks, call.OpenInterest)
	}
	// Row without its own event_ts inherits the chain's.
	if call.EventTS != 1700000000000000 {
		t.Errorf("EventTS = %d, want chain ts", call.EventTS)
	}
	if put := snap.Contracts[1]; put.EventTS != 1700000000000500 {
		t.Errorf("put EventTS = %d, want row ts", put.EventTS)
	}
	if monthly := snap.Contracts[2]; monthly.Mid != 62_500 {
		t.Errorf("explicit mid = %d, want 62500", monthly.Mid)
	}
}

func TestClient_GetChain_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithLogger(testLogger()), WithRetries(3, time.Millisecond))
	_, err := c.GetChain(context.Background(), "UNKNOWN")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if apiErr.IsRetryable() {
		t.Error("404 should not be retryable")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"underlying": "SPX", "event_ts": 1}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithLogger(testLogger()), WithRetries(3, time.Millisecond))
	snap, err := c.GetChain(context.Background(), "SPX")
	if err != nil {
		t.Fatalf("GetChain after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if snap.EventTS != 1 {
		t.Errorf("EventTS = %d", snap.EventTS)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithLogger(testLogger()), WithRetries(1, time.Millisecond))
	if _, err := c.GetChain(context.Background(), "SPX"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestAPIError_IsRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
	}

	for _, tt := range tests {
		e := &APIError{StatusCode: tt.code}
		if got := e.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
