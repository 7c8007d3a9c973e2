package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"

	"gasrelay/config"
	"gasrelay/gateway/compat"
	"gasrelay/relay/audit"
	"gasrelay/relay/chain"
	"gasrelay/relay/oracle"
	"gasrelay/relay/pool"
	"gasrelay/relay/quotes"
	"gasrelay/relay/ratelimit"
	"gasrelay/relay/replay"
	"gasrelay/relay/service"
)

type stubOracle struct {
	status oracle.TokenStatus
}

func (s *stubOracle) Price(context.Context, string) (oracle.Price, error) {
	return oracle.Price{TokensPerSol: uint256.NewInt(1_000_000_000), Decimals: 6}, nil
}

func (s *stubOracle) TokenStatus(context.Context, string) (oracle.TokenStatus, error) {
	return s.status, nil
}

func (s *stubOracle) Discount(context.Context, string) (float64, error) {
	return 0, nil
}

type stubEndpoints struct {
	available bool
}

func (s *stubEndpoints) Endpoints() []chain.EndpointStatus {
	return []chain.EndpointStatus{{URL: "http://rpc.test", Available: s.available}}
}

type stubChain struct{}

func (stubChain) IsBlockhashValid(context.Context, string) (bool, error) { return true, nil }

func (stubChain) Simulate(context.Context, []byte, []string) (chain.SimulationResult, error) {
	return chain.SimulationResult{}, nil
}

func (stubChain) Send(context.Context, []byte) (string, error) { return "testsignature", nil }

type nullSink struct{}

func (nullSink) Write(context.Context, []audit.Event) error { return nil }

func (nullSink) Close() error { return nil }

const (
	testAdminSecret = "admin-test-secret"
	testMetricsKey  = "metrics-test-key"
	testMint        = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type testServer struct {
	server *Server
	pool   *pool.Pool
	user   string
	rpc    *stubEndpoints
}

func newTestServer(t *testing.T, status oracle.TokenStatus) *testServer {
	t.Helper()
	_, payerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate payer key: %v", err)
	}
	p, err := pool.New([]string{base58.Encode(payerPriv)}, pool.Limits{MinHealthyBalance: 1_000})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	payer := p.PayerKeys()[0]
	p.ApplyBalances(map[string]uint64{payer.String(): 10_000_000_000}, time.Now())

	userPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}

	store := quotes.NewMemoryStore()
	guard := replay.NewGuard(replay.NewMemoryStore(), replay.DefaultTTL)
	limiter := ratelimit.NewLimiter(
		ratelimit.Limits{Quotes: 1_000, Submits: 1_000},
		ratelimit.Limits{Quotes: 1_000, Submits: 1_000},
	)
	detector := ratelimit.NewDetector(nil, nil)
	auditLog := audit.NewLog(nullSink{})
	gw := oracle.NewGateway(&stubOracle{status: status})

	quoteSvc := service.NewQuoteService(service.FeeSchedule{
		BaseFeeLamports:    5_000,
		NetworkFeeLamports: 5_000,
		TreasuryRatio:      1.0,
		QuoteTTL:           60 * time.Second,
	}, p, store, gw, limiter, detector, auditLog)
	submitSvc := service.NewSubmitService(service.SubmitParams{
		MaxExpectedGas:  50_000,
		ExplorerBaseURL: "https://explorer.test/tx/",
	}, store, guard, p, stubChain{}, limiter, detector, auditLog, nil)

	rpc := &stubEndpoints{available: true}
	srv := New(Config{
		Network:        "devnet",
		Tokens:         []config.Token{{Mint: testMint, Symbol: "USDC", Name: "USD Coin", Decimals: 6}},
		GlobalPerIP:    1_000,
		MetricsAPIKey:  testMetricsKey,
		AdminJWTSecret: testAdminSecret,
		CompatMode:     compat.ModeEnabled,
	}, quoteSvc, submitSvc, p, rpc, store, gw, nil)

	return &testServer{
		server: srv,
		pool:   p,
		user:   base58.Encode(userPub),
		rpc:    rpc,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.10:5000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func adminHeader(t *testing.T, secret string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "gasrelay",
		"scope": "admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func TestQuoteEndpoint(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	body := `{"userPubkey":"` + ts.user + `","paymentToken":"` + testMint + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/quote", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["quoteId"] == "" || got["quoteId"] == nil {
		t.Fatal("missing quoteId")
	}
	if got["feeAmount"] != "10000" {
		t.Fatalf("feeAmount = %v, want 10000", got["feeAmount"])
	}
	if got["feeAmountFormatted"] != "0.01" {
		t.Fatalf("feeAmountFormatted = %v, want 0.01", got["feeAmountFormatted"])
	}
	if got["ttl"].(float64) != 60 {
		t.Fatalf("ttl = %v, want 60", got["ttl"])
	}
	token := got["paymentToken"].(map[string]any)
	if token["symbol"] != "USDC" || token["accepted"] != true {
		t.Fatalf("paymentToken = %v", token)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
}

func TestQuoteEndpointRejectsUnverifiedToken(t *testing.T) {
	ts := newTestServer(t, oracle.StatusNotVerified)
	body := `{"userPubkey":"` + ts.user + `","paymentToken":"` + testMint + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/quote", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["code"] != service.CodeTokenNotAccepted {
		t.Fatalf("code = %v, want TOKEN_NOT_ACCEPTED", got["code"])
	}
	if got["requestId"] == "" || got["requestId"] == nil {
		t.Fatal("error envelope missing requestId")
	}
}

func TestSubmitEndpointBadBase64(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	body := `{"quoteId":"q1","transaction":"%%%not-base64%%%","userPubkey":"` + ts.user + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/submit", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec); got["code"] != service.CodeInvalidTxFormat {
		t.Fatalf("code = %v, want INVALID_TX_FORMAT", got["code"])
	}
}

func TestSubmitEndpointUnknownQuote(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	body := `{"quoteId":"missing","transaction":"AAAA","userPubkey":"` + ts.user + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/submit", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec); got["code"] != service.CodeQuoteNotFound {
		t.Fatalf("code = %v, want QUOTE_NOT_FOUND", got["code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	rec := ts.do(t, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["status"] != "ok" || got["network"] != "devnet" {
		t.Fatalf("health = %v", got)
	}

	ts.rpc.available = false
	rec = ts.do(t, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status %d, want 503", rec.Code)
	}
	got = decodeBody(t, rec)
	checks := got["checks"].(map[string]any)
	if checks["rpc"] != "down" {
		t.Fatalf("rpc check = %v, want down", checks["rpc"])
	}
}

func TestTokensEndpoints(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	rec := ts.do(t, http.MethodGet, "/v1/tokens", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	got := decodeBody(t, rec)
	tokens := got["tokens"].([]any)
	if len(tokens) != 1 {
		t.Fatalf("tokens = %v", tokens)
	}

	rec = ts.do(t, http.MethodGet, "/v1/tokens/"+testMint+"/check", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check status %d", rec.Code)
	}
	got = decodeBody(t, rec)
	if got["accepted"] != true || got["reason"] != "trusted" {
		t.Fatalf("check = %v", got)
	}

	rec = ts.do(t, http.MethodGet, "/v1/tokens/not-a-mint!!/check", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid mint status %d, want 400", rec.Code)
	}
}

func TestStatsEndpointWithoutLedger(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	rec := ts.do(t, http.MethodGet, "/v1/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["totalTransactions"].(float64) != 0 {
		t.Fatalf("totalTransactions = %v", got["totalTransactions"])
	}
}

func TestLegacyPathsCarryDeprecationHeaders(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Deprecation") != "true" {
		t.Fatal("legacy path missing Deprecation header")
	}
	if rec.Header().Get("Sunset") == "" {
		t.Fatal("legacy path missing Sunset header")
	}
}

func TestMetricsEndpointGuarded(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no key status %d, want 403", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/metrics", "", map[string]string{"X-API-Key": testMetricsKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("with key status %d, want 200", rec.Code)
	}
}

func TestAdminSurface(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)

	rec := ts.do(t, http.MethodGet, "/admin/payers", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status %d, want 401", rec.Code)
	}

	header := adminHeader(t, testAdminSecret)
	rec = ts.do(t, http.MethodGet, "/admin/payers", "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("payers status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if len(got["payers"].([]any)) != 1 {
		t.Fatalf("payers = %v", got["payers"])
	}

	payer := ts.pool.PayerKeys()[0].String()
	rec = ts.do(t, http.MethodPost, "/admin/payers/"+payer+"/retire", "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("retire status %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/admin/payers/"+payer+"/retire/complete", "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d: %s", rec.Code, rec.Body.String())
	}
	// Graceful retirement is reversible; only emergency retirement is final.
	rec = ts.do(t, http.MethodPost, "/admin/payers/"+payer+"/reactivate", "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("reactivate retired status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec); got["rotation"] != "active" {
		t.Fatalf("rotation after reactivate = %v, want active", got["rotation"])
	}

	rec = ts.do(t, http.MethodPost, "/admin/payers/"+payer+"/emergency", "", header)
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency retire status %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/admin/payers/"+payer+"/reactivate", "", header)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reactivate force-retired status %d, want 409", rec.Code)
	}
}

func TestAdminPauseBlocksSubmits(t *testing.T) {
	ts := newTestServer(t, oracle.StatusTrusted)
	header := adminHeader(t, testAdminSecret)
	if rec := ts.do(t, http.MethodPost, "/admin/pause", "", header); rec.Code != http.StatusOK {
		t.Fatalf("pause status %d", rec.Code)
	}
	body := `{"quoteId":"q1","transaction":"AAAA","userPubkey":"` + ts.user + `"}`
	rec := ts.do(t, http.MethodPost, "/v1/submit", body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("paused submit status %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("paused submit missing Retry-After")
	}
	if rec := ts.do(t, http.MethodPost, "/admin/resume", "", header); rec.Code != http.StatusOK {
		t.Fatalf("resume status %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/v1/submit", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("resumed submit status %d, want 400 (unknown quote)", rec.Code)
	}
}

func TestFormatTokenAmount(t *testing.T) {
	cases := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{10_000, 6, "0.01"},
		{1_500_000, 6, "1.5"},
		{1_000_000, 6, "1"},
		{42, 0, "42"},
		{1, 9, "0.000000001"},
	}
	for _, tc := range cases {
		if got := formatTokenAmount(uint256.NewInt(tc.amount), tc.decimals); got != tc.want {
			t.Fatalf("formatTokenAmount(%d, %d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}
}
