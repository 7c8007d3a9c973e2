package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// TokenStatus classifies how much the relay trusts a payment mint.
type TokenStatus string

const (
	StatusTrusted        TokenStatus = "trusted"
	StatusHoldexVerified TokenStatus = "holdex_verified"
	StatusNotVerified    TokenStatus = "not_verified"
)

// Accepted reports whether the relay takes this mint as payment.
func (s TokenStatus) Accepted() bool {
	return s == StatusTrusted || s == StatusHoldexVerified
}

// Price is the oracle's answer for one mint: token base units per whole SOL,
// already scaled by the mint's decimals.
type Price struct {
	TokensPerSol *uint256.Int
	Decimals     uint8
}

// Source is the upstream oracle the gateway shields the pipeline from.
type Source interface {
	Price(ctx context.Context, mint string) (Price, error)
	TokenStatus(ctx context.Context, mint string) (TokenStatus, error)
	Discount(ctx context.Context, wallet string) (float64, error)
}

var (
	// ErrUnavailable means the oracle is down and no cached answer exists.
	ErrUnavailable = errors.New("oracle unavailable")
)

const (
	cacheTTL            = 60 * time.Second
	requestTimeout      = 5 * time.Second
	breakerFailureLimit = 3
	breakerOpenFor      = 30 * time.Second
	// MaxDiscount caps any upstream discount so a fee can never round to zero.
	MaxDiscount = 0.95
)

const lamportsPerSol = 1_000_000_000

type cacheEntry struct {
	price     Price
	status    TokenStatus
	discount  float64
	fetchedAt time.Time
}

// Gateway fronts the oracle with a per-key cache and a circuit breaker.
// While the breaker is open it serves stale cache entries; with no cache it
// falls back to safe defaults where one exists.
type Gateway struct {
	source Source

	mu        sync.Mutex
	prices    map[string]cacheEntry
	statuses  map[string]cacheEntry
	discounts map[string]cacheEntry

	failures  int
	openUntil time.Time

	clock func() time.Time
}

func NewGateway(source Source) *Gateway {
	return &Gateway{
		source:    source,
		prices:    make(map[string]cacheEntry),
		statuses:  make(map[string]cacheEntry),
		discounts: make(map[string]cacheEntry),
		clock:     time.Now,
	}
}

// WithClock overrides the gateway clock for deterministic tests.
func (g *Gateway) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// FeeInToken converts a lamport fee into the payment token's base units,
// rounding up so the relay never undercharges.
func (g *Gateway) FeeInToken(ctx context.Context, mint string, lamports uint64) (*uint256.Int, uint8, error) {
	price, err := g.price(ctx, mint)
	if err != nil {
		return nil, 0, err
	}
	if price.TokensPerSol == nil || price.TokensPerSol.IsZero() {
		return nil, 0, fmt.Errorf("oracle returned zero price for %s", mint)
	}
	// ceil(lamports * tokensPerSol / lamportsPerSol)
	amount := new(uint256.Int).Mul(uint256.NewInt(lamports), price.TokensPerSol)
	remainder := new(uint256.Int)
	amount.DivMod(amount, uint256.NewInt(lamportsPerSol), remainder)
	if !remainder.IsZero() {
		amount.AddUint64(amount, 1)
	}
	return amount, price.Decimals, nil
}

// Status classifies a payment mint. With the oracle down and no cached
// answer the mint is treated as not verified.
func (g *Gateway) Status(ctx context.Context, mint string) TokenStatus {
	g.mu.Lock()
	now := g.clock()
	cached, haveCache := g.statuses[mint]
	fresh := haveCache && now.Sub(cached.fetchedAt) < cacheTTL
	open := now.Before(g.openUntil)
	g.mu.Unlock()

	if fresh || (open && haveCache) {
		return cached.status
	}
	if open {
		return StatusNotVerified
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	status, err := g.source.TokenStatus(callCtx, mint)
	if err != nil {
		g.noteFailure(err)
		if haveCache {
			return cached.status
		}
		return StatusNotVerified
	}
	g.noteSuccess()
	g.mu.Lock()
	g.statuses[mint] = cacheEntry{status: status, fetchedAt: g.clock()}
	g.mu.Unlock()
	return status
}

// Discount returns the user's fee discount in [0, MaxDiscount]. The safe
// default when the oracle cannot answer is no discount.
func (g *Gateway) Discount(ctx context.Context, wallet string) float64 {
	g.mu.Lock()
	now := g.clock()
	cached, haveCache := g.discounts[wallet]
	fresh := haveCache && now.Sub(cached.fetchedAt) < cacheTTL
	open := now.Before(g.openUntil)
	g.mu.Unlock()

	if fresh || (open && haveCache) {
		return cached.discount
	}
	if open {
		return 0
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	discount, err := g.source.Discount(callCtx, wallet)
	if err != nil {
		g.noteFailure(err)
		if haveCache {
			return cached.discount
		}
		return 0
	}
	g.noteSuccess()
	discount = clampDiscount(discount)
	g.mu.Lock()
	g.discounts[wallet] = cacheEntry{discount: discount, fetchedAt: g.clock()}
	g.mu.Unlock()
	return discount
}

func (g *Gateway) price(ctx context.Context, mint string) (Price, error) {
	g.mu.Lock()
	now := g.clock()
	cached, haveCache := g.prices[mint]
	fresh := haveCache && now.Sub(cached.fetchedAt) < cacheTTL
	open := now.Before(g.openUntil)
	g.mu.Unlock()

	if fresh || (open && haveCache) {
		return cached.price, nil
	}
	if open {
		// No safe default exists for a price.
		return Price{}, ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	price, err := g.source.Price(callCtx, mint)
	if err != nil {
		g.noteFailure(err)
		if haveCache {
			return cached.price, nil
		}
		return Price{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	g.noteSuccess()
	g.mu.Lock()
	g.prices[mint] = cacheEntry{price: price, fetchedAt: g.clock()}
	g.mu.Unlock()
	return price, nil
}

func (g *Gateway) noteFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= breakerFailureLimit {
		g.openUntil = g.clock().Add(breakerOpenFor)
		g.failures = 0
		slog.Warn("oracle: circuit breaker opened", "open_until", g.openUntil, "error", err)
	}
}

func (g *Gateway) noteSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

func clampDiscount(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > MaxDiscount {
		return MaxDiscount
	}
	return d
}
