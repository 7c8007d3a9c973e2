package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/holiman/uint256"
)

// HTTPSource talks to the price oracle service over its JSON API.
type HTTPSource struct {
	baseURL       string
	engagementURL string
	client        *http.Client
}

func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// WithEngagementBase points discount lookups at a separate engagement
// service. Without it discounts come from the price oracle host.
func (s *HTTPSource) WithEngagementBase(baseURL string) *HTTPSource {
	s.engagementURL = strings.TrimRight(baseURL, "/")
	return s
}

func (s *HTTPSource) get(ctx context.Context, base, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("build oracle request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode oracle response for %s: %w", path, err)
	}
	return nil
}

func (s *HTTPSource) Price(ctx context.Context, mint string) (Price, error) {
	var payload struct {
		TokensPerSol string `json:"tokensPerSol"`
		Decimals     uint8  `json:"decimals"`
	}
	if err := s.get(ctx, s.baseURL, "/v1/price/"+url.PathEscape(mint), &payload); err != nil {
		return Price{}, err
	}
	tokensPerSol, err := uint256.FromDecimal(payload.TokensPerSol)
	if err != nil {
		return Price{}, fmt.Errorf("parse oracle price %q: %w", payload.TokensPerSol, err)
	}
	return Price{TokensPerSol: tokensPerSol, Decimals: payload.Decimals}, nil
}

func (s *HTTPSource) TokenStatus(ctx context.Context, mint string) (TokenStatus, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := s.get(ctx, s.baseURL, "/v1/token/"+url.PathEscape(mint)+"/status", &payload); err != nil {
		return StatusNotVerified, err
	}
	switch TokenStatus(payload.Status) {
	case StatusTrusted:
		return StatusTrusted, nil
	case StatusHoldexVerified:
		return StatusHoldexVerified, nil
	default:
		return StatusNotVerified, nil
	}
}

func (s *HTTPSource) Discount(ctx context.Context, wallet string) (float64, error) {
	base := s.engagementURL
	if base == "" {
		base = s.baseURL
	}
	var payload struct {
		Discount float64 `json:"discount"`
	}
	if err := s.get(ctx, base, "/v1/discount/"+url.PathEscape(wallet), &payload); err != nil {
		return 0, err
	}
	return payload.Discount, nil
}
