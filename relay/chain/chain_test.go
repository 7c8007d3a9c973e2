package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type rpcHandler func(method string, params []json.RawMessage) (interface{}, *RPCError)

func newRPCServer(t *testing.T, handler rpcHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
}

func blockhashResult(hash string, slot uint64) interface{} {
	return map[string]interface{}{
		"context": map[string]uint64{"slot": slot},
		"value":   map[string]string{"blockhash": hash},
	}
}

func mustClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	c, err := NewClient(urls)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestLatestBlockhashCaches(t *testing.T) {
	var calls atomic.Int64
	srv := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		if method != "getLatestBlockhash" {
			t.Errorf("unexpected method %s", method)
		}
		n := calls.Add(1)
		return blockhashResult(fmt.Sprintf("hash-%d", n), uint64(100+n)), nil
	})
	defer srv.Close()

	c := mustClient(t, srv.URL)
	first, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("latest blockhash: %v", err)
	}
	second, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("latest blockhash cached: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("cache miss: %s vs %s", first.Hash, second.Hash)
	}
	if calls.Load() != 1 {
		t.Fatalf("rpc calls = %d, want 1", calls.Load())
	}

	c.InvalidateBlockhash()
	third, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("latest blockhash after invalidate: %v", err)
	}
	if third.Hash == first.Hash {
		t.Fatal("invalidate did not drop the cache")
	}
}

func TestExecuteFailsOverOnTransportError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()
	healthy := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		return blockhashResult("good", 7), nil
	})
	defer healthy.Close()

	c := mustClient(t, dead.URL, healthy.URL)
	bh, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if bh.Hash != "good" {
		t.Fatalf("hash = %s, want good", bh.Hash)
	}
}

func TestRPCErrorDoesNotFailOver(t *testing.T) {
	var secondaryHit atomic.Bool
	primary := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed: insufficient funds"}
	})
	defer primary.Close()
	secondary := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		secondaryHit.Store(true)
		return "sig", nil
	})
	defer secondary.Close()

	c := mustClient(t, primary.URL, secondary.URL)
	_, err := c.Send(context.Background(), []byte("tx"))
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want RPCError", err)
	}
	if secondaryHit.Load() {
		t.Fatal("node verdict triggered failover")
	}
}

func TestBreakerOpensAndForcesTopEndpoint(t *testing.T) {
	var calls atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	c := mustClient(t, failing.URL)
	for i := 0; i < endpointFailureLimit; i++ {
		if _, err := c.IsBlockhashValid(context.Background(), "h"); err == nil {
			t.Fatalf("call %d succeeded against failing server", i)
		}
	}
	statuses := c.Endpoints()
	if statuses[0].Available {
		t.Fatal("breaker still closed after repeated failures")
	}
	// Sole endpoint with an open circuit is still attempted.
	before := calls.Load()
	if _, err := c.IsBlockhashValid(context.Background(), "h"); err == nil {
		t.Fatal("expected error from forced endpoint")
	}
	if calls.Load() != before+1 {
		t.Fatal("open circuit prevented the forced attempt")
	}
}

func TestRateLimitBacksOffEndpoint(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()
	healthy := newRPCServer(t, func(string, []json.RawMessage) (interface{}, *RPCError) {
		return map[string]bool{"value": true}, nil
	})
	defer healthy.Close()

	c := mustClient(t, limited.URL, healthy.URL)
	ok, err := c.IsBlockhashValid(context.Background(), "h")
	if err != nil {
		t.Fatalf("failover after 429: %v", err)
	}
	if !ok {
		t.Fatal("value not decoded from fallback endpoint")
	}
	if c.Endpoints()[0].Available {
		t.Fatal("rate-limited endpoint still marked available")
	}
}

func TestBatchBalancesMapsNullAccounts(t *testing.T) {
	srv := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		if method != "getMultipleAccounts" {
			t.Errorf("unexpected method %s", method)
		}
		return map[string]interface{}{
			"value": []interface{}{
				map[string]uint64{"lamports": 5_000_000},
				nil,
			},
		}, nil
	})
	defer srv.Close()

	c := mustClient(t, srv.URL)
	balances, err := c.BatchBalances(context.Background(), []string{"payer1", "payer2"})
	if err != nil {
		t.Fatalf("batch balances: %v", err)
	}
	if balances["payer1"] != 5_000_000 {
		t.Fatalf("payer1 = %d, want 5000000", balances["payer1"])
	}
	if balances["payer2"] != 0 {
		t.Fatalf("payer2 = %d, want 0 for missing account", balances["payer2"])
	}
}

func TestSendInvalidatesStaleBlockhashCache(t *testing.T) {
	var served atomic.Int64
	srv := newRPCServer(t, func(method string, _ []json.RawMessage) (interface{}, *RPCError) {
		switch method {
		case "getLatestBlockhash":
			n := served.Add(1)
			return blockhashResult(fmt.Sprintf("bh-%d", n), uint64(n)), nil
		case "sendTransaction":
			return nil, &RPCError{Code: -32002, Message: "Blockhash not found"}
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()

	c := mustClient(t, srv.URL)
	if _, err := c.LatestBlockhash(context.Background()); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := c.Send(context.Background(), []byte("tx")); err == nil {
		t.Fatal("stale blockhash send succeeded")
	}
	refreshed, err := c.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if refreshed.Hash != "bh-2" {
		t.Fatalf("hash = %s, cache not invalidated", refreshed.Hash)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("connection refused"), true},
		{"rate limited", fmt.Errorf("wrap: %w", ErrRateLimited), true},
		{"node behind", &RPCError{Code: -32005, Message: "Node is behind by 120 slots"}, true},
		{"blockhash", &RPCError{Code: -32002, Message: "Blockhash not found"}, false},
		{"insufficient", &RPCError{Code: -32002, Message: "insufficient funds for fee"}, false},
		{"duplicate", &RPCError{Code: -32002, Message: "This transaction has already been processed"}, false},
		{"unknown rpc", &RPCError{Code: -32000, Message: "something odd"}, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEndpointBackoffGrowsAndResets(t *testing.T) {
	ep := &endpoint{url: "x"}
	now := time.Unix(1_700_000_000, 0)
	first := ep.recordRateLimit(now)
	second := ep.recordRateLimit(now)
	if second < first {
		t.Fatalf("backoff shrank: %v then %v", first, second)
	}
	for i := 0; i < backoffResetSuccesses; i++ {
		ep.recordSuccess(now, time.Millisecond)
	}
	if ep.backoffLevel != 0 {
		t.Fatalf("backoff level = %d after success streak, want 0", ep.backoffLevel)
	}
}
