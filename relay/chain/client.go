package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/observability"
)

const (
	blockhashCacheFor = 30 * time.Second
	sendTimeout       = 15 * time.Second
	simulateTimeout   = 30 * time.Second
	queryTimeout      = 10 * time.Second
)

// Blockhash pairs a recent blockhash with its slot.
type Blockhash struct {
	Hash      string
	Slot      uint64
	FetchedAt time.Time
}

// SimulationResult carries the outcome of simulateTransaction.
type SimulationResult struct {
	Err           json.RawMessage
	Logs          []string
	UnitsConsumed uint64
	PostBalances  map[string]uint64
}

// SignatureStatus reports confirmation progress for one signature.
type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus string
	Err                json.RawMessage
}

// Client speaks JSON-RPC to an ordered list of node endpoints and fails over
// between them. Endpoint order is priority order.
type Client struct {
	httpClient *http.Client
	idCounter  atomic.Int64

	mu        sync.Mutex
	endpoints []*endpoint
	blockhash Blockhash

	clock   func() time.Time
	metrics *observability.ChainMetrics
	tracer  trace.Tracer
}

// NewClient builds a client over the given RPC URLs, first URL preferred.
func NewClient(urls []string) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one rpc url required")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: simulateTimeout},
		clock:      time.Now,
		metrics:    observability.Chain(),
		tracer:     otel.Tracer("relay/chain"),
	}
	for _, url := range urls {
		c.endpoints = append(c.endpoints, &endpoint{url: url})
	}
	return c, nil
}

// WithClock overrides the client clock for deterministic tests.
func (c *Client) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// LatestBlockhash returns a recent blockhash, served from a short cache so
// quote bursts do not hammer the nodes.
func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	c.mu.Lock()
	cached := c.blockhash
	now := c.clock()
	c.mu.Unlock()
	if cached.Hash != "" && now.Sub(cached.FetchedAt) < blockhashCacheFor {
		return cached, nil
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := c.execute(ctx, "getLatestBlockhash", []interface{}{
		map[string]string{"commitment": "confirmed"},
	}, &result); err != nil {
		return Blockhash{}, err
	}
	fresh := Blockhash{Hash: result.Value.Blockhash, Slot: result.Context.Slot, FetchedAt: c.clock()}
	c.mu.Lock()
	c.blockhash = fresh
	c.mu.Unlock()
	return fresh, nil
}

// InvalidateBlockhash drops the cache after a node reports the hash stale.
func (c *Client) InvalidateBlockhash() {
	c.mu.Lock()
	c.blockhash = Blockhash{}
	c.mu.Unlock()
}

// IsBlockhashValid asks whether a blockhash is still inside its window.
func (c *Client) IsBlockhashValid(ctx context.Context, hash string) (bool, error) {
	var result struct {
		Value bool `json:"value"`
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	err := c.execute(ctx, "isBlockhashValid", []interface{}{
		hash,
		map[string]string{"commitment": "processed"},
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Value, nil
}

// Simulate dry-runs the signed transaction and reports per-account lamport
// balances after execution for the requested addresses.
func (c *Client) Simulate(ctx context.Context, signedTx []byte, watchAccounts []string) (SimulationResult, error) {
	var result struct {
		Value struct {
			Err           json.RawMessage `json:"err"`
			Logs          []string        `json:"logs"`
			UnitsConsumed uint64          `json:"unitsConsumed"`
			Accounts      []*struct {
				Lamports uint64 `json:"lamports"`
			} `json:"accounts"`
		} `json:"value"`
	}
	params := []interface{}{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]interface{}{
			"encoding":               "base64",
			"commitment":             "processed",
			"sigVerify":              true,
			"replaceRecentBlockhash": false,
			"accounts": map[string]interface{}{
				"encoding":  "base64",
				"addresses": watchAccounts,
			},
		},
	}
	ctx, cancel := context.WithTimeout(ctx, simulateTimeout)
	defer cancel()
	if err := c.execute(ctx, "simulateTransaction", params, &result); err != nil {
		return SimulationResult{}, err
	}
	sim := SimulationResult{
		Err:           result.Value.Err,
		Logs:          result.Value.Logs,
		UnitsConsumed: result.Value.UnitsConsumed,
		PostBalances:  make(map[string]uint64, len(watchAccounts)),
	}
	for i, account := range result.Value.Accounts {
		if i < len(watchAccounts) && account != nil {
			sim.PostBalances[watchAccounts[i]] = account.Lamports
		}
	}
	return sim, nil
}

// Send submits the signed transaction once. Retries belong to the caller,
// which owns the retry budget and the replay bookkeeping.
func (c *Client) Send(ctx context.Context, signedTx []byte) (string, error) {
	var signature string
	params := []interface{}{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]interface{}{
			"encoding":      "base64",
			"skipPreflight": true,
			"maxRetries":    0,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	err := c.execute(ctx, "sendTransaction", params, &signature)
	if err != nil && BlockhashStale(err) {
		c.InvalidateBlockhash()
	}
	return signature, err
}

// Status fetches confirmation progress for a signature.
func (c *Client) Status(ctx context.Context, signature string) (SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	err := c.execute(ctx, "getSignatureStatuses", []interface{}{
		[]string{signature},
		map[string]bool{"searchTransactionHistory": false},
	}, &result)
	if err != nil {
		return SignatureStatus{}, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	return *result.Value[0], nil
}

// BatchBalances fetches lamport balances for many accounts in one call.
func (c *Client) BatchBalances(ctx context.Context, keys []string) (map[string]uint64, error) {
	var result struct {
		Value []*struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := c.execute(ctx, "getMultipleAccounts", []interface{}{
		keys,
		map[string]string{"commitment": "confirmed", "encoding": "base64"},
	}, &result); err != nil {
		return nil, err
	}
	balances := make(map[string]uint64, len(keys))
	for i, account := range result.Value {
		if i >= len(keys) {
			break
		}
		if account == nil {
			balances[keys[i]] = 0
			continue
		}
		balances[keys[i]] = account.Lamports
	}
	return balances, nil
}

// Endpoints reports the configured URLs with their current health.
func (c *Client) Endpoints() []EndpointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	out := make([]EndpointStatus, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = EndpointStatus{
			URL:         ep.url,
			Available:   ep.available(now),
			MeanLatency: ep.meanLatency(),
		}
	}
	return out
}

// EndpointStatus is the health snapshot of one RPC endpoint.
type EndpointStatus struct {
	URL         string        `json:"url"`
	Available   bool          `json:"available"`
	MeanLatency time.Duration `json:"meanLatencyNs"`
}

// execute walks endpoints in priority order, skipping unavailable ones. When
// every circuit is open it forces the top endpoint anyway so a full outage of
// breakers cannot wedge the relay.
func (c *Client) execute(ctx context.Context, method string, params []interface{}, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "chain."+method)
	defer span.End()

	candidates := c.pickEndpoints()
	var lastErr error
	for _, ep := range candidates {
		err := c.call(ctx, ep, method, params, out)
		if err == nil {
			span.SetAttributes(attribute.String("rpc.endpoint", ep.url))
			return nil
		}
		lastErr = err
		if rpcErr, ok := err.(*RPCError); ok {
			// The node answered; its verdict is authoritative, not a
			// reason to fail over.
			span.RecordError(rpcErr)
			span.SetStatus(codes.Error, rpcErr.Message)
			return rpcErr
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrAllEndpointsFailed
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return fmt.Errorf("%w: %s: %v", ErrAllEndpointsFailed, method, lastErr)
}

func (c *Client) pickEndpoints() []*endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	available := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if ep.available(now) {
			available = append(available, ep)
		}
	}
	if len(available) == 0 {
		return []*endpoint{c.endpoints[0]}
	}
	return available
}

func (c *Client) call(ctx context.Context, ep *endpoint, method string, params []interface{}, out interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.idCounter.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := c.clock()
	resp, err := c.httpClient.Do(httpReq)
	took := c.clock().Sub(started)
	if err != nil {
		c.noteFailure(ep, method, took)
		return fmt.Errorf("post %s: %w", ep.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.noteRateLimit(ep, method)
		return fmt.Errorf("%w: %s", ErrRateLimited, ep.url)
	}
	if resp.StatusCode != http.StatusOK {
		c.noteFailure(ep, method, took)
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, ep.url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.noteFailure(ep, method, took)
		return fmt.Errorf("read response: %w", err)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.noteFailure(ep, method, took)
		return fmt.Errorf("decode response from %s: %w", ep.url, err)
	}
	if rpcResp.Error != nil {
		// Transport succeeded; the endpoint is healthy.
		c.noteSuccess(ep, method, took)
		return rpcResp.Error
	}
	c.noteSuccess(ep, method, took)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode result for %s: %w", method, err)
	}
	return nil
}

func (c *Client) noteSuccess(ep *endpoint, method string, took time.Duration) {
	c.mu.Lock()
	ep.recordSuccess(c.clock(), took)
	c.mu.Unlock()
	c.metrics.ObserveCall(ep.url, method, "ok", took)
	c.metrics.SetBreaker(ep.url, false)
}

func (c *Client) noteFailure(ep *endpoint, method string, took time.Duration) {
	c.mu.Lock()
	opened := ep.recordFailure(c.clock())
	c.mu.Unlock()
	c.metrics.ObserveCall(ep.url, method, "error", took)
	if opened {
		c.metrics.SetBreaker(ep.url, true)
		slog.Warn("chain: endpoint circuit opened", "endpoint", ep.url)
	}
}

func (c *Client) noteRateLimit(ep *endpoint, method string) {
	c.mu.Lock()
	delay := ep.recordRateLimit(c.clock())
	c.mu.Unlock()
	c.metrics.ObserveCall(ep.url, method, "rate_limited", 0)
	c.metrics.RecordBackoff(ep.url)
	slog.Warn("chain: endpoint rate limited", "endpoint", ep.url, "backoff", delay)
}
