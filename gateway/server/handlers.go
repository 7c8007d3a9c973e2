package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"gasrelay/gateway/middleware"
	"gasrelay/relay/burn"
	"gasrelay/relay/service"
	"gasrelay/relay/txwire"
)

const maxBodyBytes = 64 * 1024

type quoteRequest struct {
	UserPubkey            string `json:"userPubkey"`
	PaymentToken          string `json:"paymentToken"`
	EstimatedComputeUnits uint32 `json:"estimatedComputeUnits"`
}

type tokenInfo struct {
	Mint     string `json:"mint"`
	Symbol   string `json:"symbol,omitempty"`
	Name     string `json:"name,omitempty"`
	Decimals uint8  `json:"decimals"`
	Status   string `json:"status"`
	Accepted bool   `json:"accepted"`
}

type holderTier struct {
	Tier     string  `json:"tier"`
	Discount float64 `json:"discount"`
}

type quoteResponse struct {
	QuoteID            string     `json:"quoteId"`
	FeePayer           string     `json:"feePayer"`
	FeeAmount          string     `json:"feeAmount"`
	FeeAmountFormatted string     `json:"feeAmountFormatted"`
	PaymentToken       tokenInfo  `json:"paymentToken"`
	HolderTier         holderTier `json:"holderTier"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	TTL                int        `json:"ttl"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, service.CodeQuoteFailed, "request body is not valid JSON")
		return
	}
	result, svcErr := s.quoteSvc.Quote(r.Context(), service.QuoteRequest{
		UserWallet:   strings.TrimSpace(req.UserPubkey),
		PaymentMint:  strings.TrimSpace(req.PaymentToken),
		ComputeUnits: req.EstimatedComputeUnits,
		ClientIP:     middleware.ClientIP(r),
	})
	if svcErr != nil {
		writeServiceError(w, r, svcErr)
		return
	}

	quote := result.Quote
	info := tokenInfo{
		Mint:     quote.PaymentMint,
		Decimals: result.Decimals,
		Status:   string(result.TokenStatus),
		Accepted: result.TokenStatus.Accepted(),
	}
	if known, ok := s.tokens[quote.PaymentMint]; ok {
		info.Symbol = known.Symbol
		info.Name = known.Name
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		QuoteID:            quote.ID,
		FeePayer:           quote.Payer,
		FeeAmount:          quote.FeeInToken.Dec(),
		FeeAmountFormatted: formatTokenAmount(quote.FeeInToken, result.Decimals),
		PaymentToken:       info,
		HolderTier:         tierFor(quote.Discount),
		ExpiresAt:          quote.ExpiresAt.UTC(),
		TTL:                int(result.TTL / time.Second),
	})
}

type submitRequest struct {
	QuoteID     string `json:"quoteId"`
	Transaction string `json:"transaction"`
	UserPubkey  string `json:"userPubkey"`
}

type submitResponse struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Explorer  string `json:"explorer"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.paused.Load() {
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, service.CodeCircuitBreakerOpen, "submits are administratively paused")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, service.CodeInvalidTxFormat, "request body is not valid JSON")
		return
	}
	rawTx, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Transaction))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, service.CodeInvalidTxFormat, "transaction is not valid base64")
		return
	}
	result, svcErr := s.submitSvc.Submit(r.Context(), service.SubmitRequest{
		QuoteID:     strings.TrimSpace(req.QuoteID),
		Transaction: rawTx,
		UserWallet:  strings.TrimSpace(req.UserPubkey),
		ClientIP:    middleware.ClientIP(r),
	})
	if svcErr != nil {
		writeServiceError(w, r, svcErr)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Signature: result.Signature,
		Status:    "submitted",
		Attempts:  result.Attempts,
		Explorer:  result.Explorer,
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	out := make([]tokenInfo, 0, len(s.cfg.Tokens))
	for _, token := range s.cfg.Tokens {
		status := s.oracle.Status(r.Context(), token.Mint)
		out = append(out, tokenInfo{
			Mint:     token.Mint,
			Symbol:   token.Symbol,
			Name:     token.Name,
			Decimals: token.Decimals,
			Status:   string(status),
			Accepted: status.Accepted(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *Server) handleTokenCheck(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")
	if _, err := txwire.ParsePubkey(mint); err != nil {
		writeError(w, r, http.StatusBadRequest, service.CodeTokenNotAccepted, "invalid mint address")
		return
	}
	status := s.oracle.Status(r.Context(), mint)
	writeJSON(w, http.StatusOK, map[string]any{
		"mint":     mint,
		"accepted": status.Accepted(),
		"reason":   string(status),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats burn.Stats
	if s.ledger != nil {
		loaded, err := s.ledger.Stats()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, service.CodeSubmitFailed, "stats unavailable")
			return
		}
		stats = loaded
	}
	if stats.TokensCollected == nil {
		stats.TokensCollected = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalBurned":       stats.TotalLamports,
		"totalTransactions": stats.TotalTransactions,
		"treasury": map[string]any{
			"tokensCollected": stats.TokensCollected,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"rpc":      "down",
		"store":    "down",
		"feePayer": "down",
	}
	for _, endpoint := range s.chain.Endpoints() {
		if endpoint.Available {
			checks["rpc"] = "ok"
			break
		}
	}
	if s.storeHealthy(r.Context()) {
		checks["store"] = "ok"
	}
	for _, payer := range s.pool.Status() {
		if payer.Rotation == "active" && !payer.Unhealthy && payer.ObservedBalance > 0 {
			checks["feePayer"] = "ok"
			break
		}
	}
	status := "ok"
	code := http.StatusOK
	for _, check := range checks {
		if check != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"network": s.cfg.Network,
		"checks":  checks,
	})
}

func tierFor(discount float64) holderTier {
	tier := "standard"
	if discount > 0 {
		tier = "engaged"
	}
	return holderTier{Tier: tier, Discount: discount}
}

// formatTokenAmount renders base units as a decimal string for display.
func formatTokenAmount(amount *uint256.Int, decimals uint8) string {
	digits := amount.Dec()
	if decimals == 0 {
		return digits
	}
	d := int(decimals)
	for len(digits) <= d {
		digits = "0" + digits
	}
	whole := digits[:len(digits)-d]
	frac := strings.TrimRight(digits[len(digits)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
