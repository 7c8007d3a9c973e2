package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/observability"
	"gasrelay/observability/logging"
	"gasrelay/relay/audit"
	"gasrelay/relay/oracle"
	"gasrelay/relay/pool"
	"gasrelay/relay/quotes"
	"gasrelay/relay/ratelimit"
	"gasrelay/relay/txwire"
)

const (
	minComputeUnits = 1
	maxComputeUnits = 1_400_000
	microPerLamport = 1_000_000
)

// FeeSchedule carries the lamport pricing inputs for a quote.
type FeeSchedule struct {
	BaseFeeLamports       uint64
	NetworkFeeLamports    uint64
	PriorityMicroLamports uint64
	DefaultComputeUnits   uint32
	TreasuryRatio         float64
	QuoteTTL              time.Duration
}

// QuoteRequest is the parsed quote call.
type QuoteRequest struct {
	UserWallet   string
	PaymentMint  string
	ComputeUnits uint32
	ClientIP     string
}

// QuoteResult is what the handler serializes for a successful quote.
type QuoteResult struct {
	Quote       quotes.Quote
	TokenStatus oracle.TokenStatus
	Decimals    uint8
	TTL         time.Duration
}

// QuoteService composes the pool, quote store, and oracle into the quote
// phase of the pipeline.
type QuoteService struct {
	fees     FeeSchedule
	pool     *pool.Pool
	store    quotes.Store
	oracle   *oracle.Gateway
	limiter  *ratelimit.Limiter
	detector *ratelimit.Detector
	audit    *audit.Log

	clock   func() time.Time
	metrics *observability.RelayMetrics
	tracer  trace.Tracer
}

func NewQuoteService(fees FeeSchedule, p *pool.Pool, store quotes.Store, gw *oracle.Gateway, limiter *ratelimit.Limiter, detector *ratelimit.Detector, auditLog *audit.Log) *QuoteService {
	if fees.QuoteTTL <= 0 {
		fees.QuoteTTL = 60 * time.Second
	}
	if fees.DefaultComputeUnits == 0 {
		fees.DefaultComputeUnits = 200_000
	}
	if fees.TreasuryRatio <= 0 || fees.TreasuryRatio > 1 {
		fees.TreasuryRatio = 0.7
	}
	return &QuoteService{
		fees:     fees,
		pool:     p,
		store:    store,
		oracle:   gw,
		limiter:  limiter,
		detector: detector,
		audit:    auditLog,
		clock:    time.Now,
		metrics:  observability.Relay(),
		tracer:   otel.Tracer("relay/service"),
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *QuoteService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Quote runs the full quote pipeline. A reservation made along the way is
// released on every failure path past it.
func (s *QuoteService) Quote(ctx context.Context, req QuoteRequest) (QuoteResult, *Error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "service.quote",
		trace.WithAttributes(attribute.String("payment.mint", req.PaymentMint)))
	defer span.End()

	result, svcErr := s.quote(ctx, req)
	code := ""
	if svcErr != nil {
		code = svcErr.Code
		span.SetStatus(codes.Error, svcErr.Code)
	} else {
		span.SetStatus(codes.Ok, "quoted")
	}
	s.metrics.Observe("quote", s.clock().Sub(started), code)
	return result, svcErr
}

func (s *QuoteService) quote(ctx context.Context, req QuoteRequest) (QuoteResult, *Error) {
	if _, err := txwire.ParsePubkey(req.UserWallet); err != nil {
		return QuoteResult{}, badRequest(CodeQuoteFailed, "invalid user public key")
	}
	if _, err := txwire.ParsePubkey(req.PaymentMint); err != nil {
		return QuoteResult{}, badRequest(CodeTokenNotAccepted, "invalid payment token mint")
	}

	if err := s.limiter.Allow(req.UserWallet, req.ClientIP, ratelimit.EventQuote); err != nil {
		s.detector.Observe("rate_limited", ratelimit.NormalizeIP(req.ClientIP))
		s.audit.Record(audit.NewEvent(audit.TypeRateLimited, req.UserWallet, req.ClientIP, "").
			WithDetail("event", "quote"))
		return QuoteResult{}, limitToError(err)
	}
	s.detector.Observe("quote_volume", "global")
	s.detector.Observe("wallet_volume", req.UserWallet)

	status := s.oracle.Status(ctx, req.PaymentMint)
	if !status.Accepted() {
		s.audit.Record(audit.NewEvent(audit.TypeQuoteRejected, req.UserWallet, req.ClientIP, "").
			WithDetail("code", CodeTokenNotAccepted).
			WithDetail("mint", logging.TruncateKey(req.PaymentMint)))
		return QuoteResult{}, badRequest(CodeTokenNotAccepted, "payment token is not accepted")
	}

	lamports, gas, cu := s.feeLamports(req.ComputeUnits)
	discount := s.oracle.Discount(ctx, req.UserWallet)
	discounted := s.applyDiscount(lamports, gas, discount)

	feeInToken, decimals, err := s.oracle.FeeInToken(ctx, req.PaymentMint, discounted)
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			return QuoteResult{}, unavailable(CodeCircuitBreakerOpen, "price oracle unavailable", 30*time.Second)
		}
		return QuoteResult{}, internal(CodeQuoteFailed, "fee conversion failed")
	}

	quoteID := uuid.NewString()
	payer, err := s.pool.Reserve(ctx, quoteID, discounted)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrCircuitOpen):
			return QuoteResult{}, unavailable(CodeCircuitBreakerOpen, "fee payer pool is recovering", 30*time.Second)
		case errors.Is(err, pool.ErrNoCapacity):
			s.audit.Record(audit.NewEvent(audit.TypeQuoteRejected, req.UserWallet, req.ClientIP, quoteID).
				WithDetail("code", CodeNoPayerCapacity))
			return QuoteResult{}, unavailable(CodeNoPayerCapacity, "no fee payer capacity", 30*time.Second)
		default:
			return QuoteResult{}, internal(CodeQuoteFailed, "reservation failed")
		}
	}

	now := s.clock()
	quote := quotes.Quote{
		ID:           quoteID,
		UserWallet:   req.UserWallet,
		PaymentMint:  req.PaymentMint,
		FeeInToken:   feeInToken,
		FeeLamports:  discounted,
		Payer:        payer.String(),
		ComputeUnits: uint64(cu),
		Discount:     discount,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.fees.QuoteTTL),
	}
	if err := s.store.Put(ctx, quote); err != nil {
		s.pool.Release(quoteID)
		slog.Error("quote: persist failed", "quote", quoteID, "error", err)
		return QuoteResult{}, internal(CodeQuoteFailed, "quote could not be stored")
	}

	s.audit.Record(audit.NewEvent(audit.TypeQuoteIssued, req.UserWallet, req.ClientIP, quoteID).
		WithDetail("fee_lamports", fmt.Sprintf("%d", discounted)).
		WithDetail("mint", logging.TruncateKey(req.PaymentMint)))
	return QuoteResult{
		Quote:       quote,
		TokenStatus: status,
		Decimals:    decimals,
		TTL:         s.fees.QuoteTTL,
	}, nil
}

// feeLamports prices the transaction before any discount. It returns the full
// base fee, the native gas the fee payer will actually spend (network fee plus
// priority lamports), and the clamped compute-unit figure used.
func (s *QuoteService) feeLamports(cuEstimate uint32) (base, gas uint64, cu uint32) {
	cu = cuEstimate
	if cu < minComputeUnits {
		cu = s.fees.DefaultComputeUnits
	}
	if cu > maxComputeUnits {
		cu = maxComputeUnits
	}
	if cu < s.fees.DefaultComputeUnits {
		cu = s.fees.DefaultComputeUnits
	}
	priority := uint64(cu) * s.fees.PriorityMicroLamports / microPerLamport
	gas = s.fees.NetworkFeeLamports + priority
	return s.fees.BaseFeeLamports + gas, gas, cu
}

// applyDiscount floors the discounted fee at break-even: the price at which
// the treasury's share of the collected fee still covers the native gas the
// payer spends. An undiscounted quote prices at base.
func (s *QuoteService) applyDiscount(base, gasCost uint64, discount float64) uint64 {
	breakEven := uint64(math.Ceil(float64(gasCost) / s.fees.TreasuryRatio))
	discounted := uint64(math.Floor(float64(base) * (1 - discount)))
	if discounted < breakEven {
		return breakEven
	}
	return discounted
}

func limitToError(err error) *Error {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		code := CodeIPRateLimited
		if limitErr.Scope == "wallet" {
			code = CodeWalletRateLimited
		}
		return rateLimited(code, limitErr.RetryAfter)
	}
	return rateLimited(CodeIPRateLimited, time.Minute)
}
