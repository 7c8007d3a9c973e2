package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/observability"
	"gasrelay/observability/logging"
	"gasrelay/relay/audit"
	"gasrelay/relay/burn"
	"gasrelay/relay/chain"
	"gasrelay/relay/pool"
	"gasrelay/relay/quotes"
	"gasrelay/relay/ratelimit"
	"gasrelay/relay/replay"
	"gasrelay/relay/txwire"
)

const (
	maxSendRetries      = 3
	unhealthyQuarantine = 60 * time.Second
)

var retryDelays = [maxSendRetries]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ChainClient is the slice of the chain adapter the submit pipeline uses.
type ChainClient interface {
	IsBlockhashValid(ctx context.Context, hash string) (bool, error)
	Simulate(ctx context.Context, signedTx []byte, watchAccounts []string) (chain.SimulationResult, error)
	Send(ctx context.Context, signedTx []byte) (string, error)
}

// SubmitParams fixes the structural and safety checks for every submit.
type SubmitParams struct {
	Treasury        txwire.Pubkey
	GasSink         *txwire.Pubkey
	MaxExpectedGas  uint64
	ExplorerBaseURL string
}

// SubmitRequest is the parsed submit call.
type SubmitRequest struct {
	QuoteID     string
	Transaction []byte
	UserWallet  string
	ClientIP    string
}

// SubmitResult reports a successfully relayed transaction.
type SubmitResult struct {
	Signature string
	Attempts  int
	Explorer  string
}

// SubmitService composes the quote store, replay guard, validator, pool,
// and chain adapter into the submit phase.
type SubmitService struct {
	params   SubmitParams
	store    quotes.Store
	guard    *replay.Guard
	pool     *pool.Pool
	chain    ChainClient
	limiter  *ratelimit.Limiter
	detector *ratelimit.Detector
	audit    *audit.Log
	ledger   *burn.Ledger
	confirm  *Confirmer

	clock   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *observability.RelayMetrics
	tracer  trace.Tracer
}

func NewSubmitService(params SubmitParams, store quotes.Store, guard *replay.Guard, p *pool.Pool, client ChainClient, limiter *ratelimit.Limiter, detector *ratelimit.Detector, auditLog *audit.Log, ledger *burn.Ledger) *SubmitService {
	if params.MaxExpectedGas == 0 {
		params.MaxExpectedGas = 50_000
	}
	return &SubmitService{
		params:   params,
		store:    store,
		guard:    guard,
		pool:     p,
		chain:    client,
		limiter:  limiter,
		detector: detector,
		audit:    auditLog,
		ledger:   ledger,
		clock:    time.Now,
		sleep:    sleepContext,
		metrics:  observability.Relay(),
		tracer:   otel.Tracer("relay/service"),
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *SubmitService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// WithSleep overrides the retry sleeper for deterministic tests.
func (s *SubmitService) WithSleep(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		s.sleep = sleep
	}
}

// WithConfirmer attaches fire-and-forget confirmation polling.
func (s *SubmitService) WithConfirmer(c *Confirmer) {
	s.confirm = c
}

// Submit runs the full submit pipeline.
func (s *SubmitService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, *Error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "service.submit",
		trace.WithAttributes(attribute.String("quote.id", req.QuoteID)))
	defer span.End()

	result, svcErr := s.submit(ctx, req)
	code := ""
	if svcErr != nil {
		code = svcErr.Code
		span.SetStatus(codes.Error, svcErr.Code)
		s.limiter.RecordFailure(req.UserWallet, req.ClientIP)
		s.detector.Observe("failure_rate", ratelimit.NormalizeIP(req.ClientIP))
	} else {
		span.SetStatus(codes.Ok, "submitted")
		s.metrics.RecordAttempts(result.Attempts)
	}
	s.metrics.Observe("submit", s.clock().Sub(started), code)
	return result, svcErr
}

func (s *SubmitService) submit(ctx context.Context, req SubmitRequest) (SubmitResult, *Error) {
	if err := s.limiter.Allow(req.UserWallet, req.ClientIP, ratelimit.EventSubmit); err != nil {
		s.audit.Record(audit.NewEvent(audit.TypeRateLimited, req.UserWallet, req.ClientIP, req.QuoteID).
			WithDetail("event", "submit"))
		return SubmitResult{}, limitToError(err)
	}
	s.detector.Observe("submit_volume", "global")
	s.detector.Observe("wallet_volume", req.UserWallet)

	// Claiming the quote is the linearization point: of two concurrent
	// submits for the same quote, exactly one passes this step.
	quote, err := s.store.Consume(ctx, req.QuoteID)
	if err != nil {
		switch {
		case errors.Is(err, quotes.ErrExpired):
			return SubmitResult{}, s.reject(req, badRequest(CodeQuoteExpired, "quote has expired"))
		case errors.Is(err, quotes.ErrNotFound):
			return SubmitResult{}, s.reject(req, badRequest(CodeQuoteNotFound, "quote not found"))
		default:
			return SubmitResult{}, internal(CodeSubmitFailed, "quote lookup failed")
		}
	}

	result, svcErr := s.relay(ctx, req, quote)
	if svcErr == nil {
		return result, nil
	}
	s.pool.Release(quote.ID)
	if !svcErr.Terminal() {
		// Transient failures keep the quote alive so the client can retry
		// within the TTL.
		if putErr := s.store.Put(ctx, quote); putErr != nil {
			slog.Error("submit: quote restore failed", "quote", quote.ID, "error", putErr)
		}
	}
	return SubmitResult{}, s.reject(req, svcErr)
}

func (s *SubmitService) relay(ctx context.Context, req SubmitRequest, quote quotes.Quote) (SubmitResult, *Error) {
	if req.UserWallet != quote.UserWallet {
		return SubmitResult{}, badRequest(CodeValidationFailed, "user does not match the quoted wallet")
	}
	if err := txwire.ValidateSize(req.Transaction); err != nil {
		return SubmitResult{}, badRequest(CodeTxTooLarge, "transaction exceeds the size limit")
	}
	tx, err := txwire.Deserialize(req.Transaction)
	if err != nil {
		return SubmitResult{}, badRequest(CodeInvalidTxFormat, "transaction could not be decoded")
	}

	fp := replay.Fingerprint(txwire.Fingerprint(req.Transaction))
	if err := s.guard.Acquire(ctx, fp); err != nil {
		if errors.Is(err, replay.ErrReplayed) || errors.Is(err, replay.ErrInFlight) {
			s.audit.Record(audit.NewEvent(audit.TypeSubmitRejected, req.UserWallet, req.ClientIP, quote.ID).
				WithDetail("code", CodeReplayDetected))
			return SubmitResult{}, badRequest(CodeReplayDetected, "transaction was already relayed")
		}
		return SubmitResult{}, internal(CodeSubmitFailed, "replay check failed")
	}
	committed := false
	defer func() {
		if !committed {
			s.guard.Release(fp)
		}
	}()

	valid, err := s.chain.IsBlockhashValid(ctx, tx.Blockhash())
	if err != nil {
		return SubmitResult{}, internal(CodeSubmitFailed, "blockhash check failed")
	}
	if !valid {
		return SubmitResult{}, badRequest(CodeBlockhashExpired, "transaction blockhash has expired")
	}

	userKey, err := txwire.ParsePubkey(quote.UserWallet)
	if err != nil {
		return SubmitResult{}, internal(CodeSubmitFailed, "quoted wallet is unreadable")
	}
	mint, err := txwire.ParsePubkey(quote.PaymentMint)
	if err != nil {
		return SubmitResult{}, internal(CodeSubmitFailed, "quoted mint is unreadable")
	}
	verdict := txwire.ValidateStructure(tx, txwire.StructureParams{
		ExpectedUser: userKey,
		PaymentMint:  mint,
		Treasury:     s.params.Treasury,
		FeeAmount:    quote.FeeInToken,
		GasSink:      s.params.GasSink,
	})
	if !verdict.OK() {
		svcErr := badRequest(CodeValidationFailed, "transaction failed structural validation")
		svcErr.Details = verdict.Reasons
		return SubmitResult{}, svcErr
	}

	payer := tx.FeePayer()
	if payer.String() != quote.Payer {
		return SubmitResult{}, badRequest(CodeFeePayerMismatch, "fee payer does not match the quote")
	}
	if res, ok := s.pool.ReservationFor(quote.ID); ok && res.Payer != payer {
		return SubmitResult{}, badRequest(CodeFeePayerMismatch, "fee payer does not hold the reservation")
	}
	if !s.pool.CanProcessSubmit(payer) {
		return SubmitResult{}, unavailable(CodeNoPayerCapacity, "fee payer is out of service", 30*time.Second)
	}

	if err := s.pool.Sign(tx, payer); err != nil {
		slog.Error("submit: signing failed", "quote", quote.ID, "error", err)
		return SubmitResult{}, internal(CodeSubmitFailed, "transaction could not be signed")
	}
	signed := tx.Raw()

	sim, err := s.chain.Simulate(ctx, signed, []string{payer.String()})
	if err != nil {
		return SubmitResult{}, internal(CodeSubmitFailed, "simulation unavailable")
	}
	if len(sim.Err) > 0 && string(sim.Err) != "null" {
		svcErr := badRequest(CodeSimulationFailed, "transaction fails simulation")
		svcErr.Details = tailLogs(sim.Logs, 5)
		return SubmitResult{}, svcErr
	}
	if svcErr := s.checkGasDrain(payer, sim); svcErr != nil {
		return SubmitResult{}, svcErr
	}

	signature, attempts, svcErr := s.sendWithRetry(ctx, signed, tx, payer)
	if svcErr != nil {
		return SubmitResult{}, svcErr
	}

	if err := s.guard.Commit(ctx, fp); err != nil {
		slog.Error("submit: replay commit failed", "quote", quote.ID, "error", err)
	}
	committed = true
	s.pool.Release(quote.ID)
	if s.ledger != nil {
		if err := s.ledger.RecordRelay(quote.PaymentMint, quote.FeeInToken, quote.FeeLamports); err != nil {
			slog.Error("submit: burn accounting failed", "quote", quote.ID, "error", err)
		}
	}
	s.audit.Record(audit.Event{
		Type:      audit.TypeSubmitSent,
		At:        s.clock(),
		Wallet:    logging.TruncateKey(req.UserWallet),
		IP:        logging.TruncateKey(req.ClientIP),
		QuoteID:   quote.ID,
		Signature: signature,
	})
	if s.confirm != nil {
		s.confirm.Watch(signature, payer)
	}
	return SubmitResult{
		Signature: signature,
		Attempts:  attempts,
		Explorer:  s.params.ExplorerBaseURL + signature,
	}, nil
}

// checkGasDrain enforces the CPI drain guard: the simulated fee payer
// balance may not drop by more than the expected gas.
func (s *SubmitService) checkGasDrain(payer txwire.Pubkey, sim chain.SimulationResult) *Error {
	pre, known := s.pool.ObservedBalance(payer)
	post, simulated := sim.PostBalances[payer.String()]
	if !known || !simulated || pre == 0 {
		return nil
	}
	if post < pre && pre-post > s.params.MaxExpectedGas {
		svcErr := badRequest(CodeSimulationFailed, "transaction drains the fee payer")
		svcErr.Details = []string{fmt.Sprintf("fee payer balance delta -%d exceeds limit %d", pre-post, s.params.MaxExpectedGas)}
		return svcErr
	}
	return nil
}

// sendWithRetry submits the signed bytes with a bounded, jittered backoff.
// A stale blockhash is retried only on the first attempt.
func (s *SubmitService) sendWithRetry(ctx context.Context, signed []byte, tx *txwire.Transaction, payer txwire.Pubkey) (string, int, *Error) {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			delay += time.Duration(rand.Int63n(int64(delay) / 4))
			if err := s.sleep(ctx, delay); err != nil {
				return "", attempt, internal(CodeSubmitFailed, "submit cancelled")
			}
		}
		signature, err := s.chain.Send(ctx, signed)
		if err == nil {
			if signature == "" {
				signature = tx.Signatures[0].String()
			}
			return signature, attempt + 1, nil
		}
		lastErr = err

		if chain.AlreadyProcessed(err) {
			// An earlier attempt landed; the transaction signature is the
			// fee payer's signature we just produced.
			return tx.Signatures[0].String(), attempt + 1, nil
		}
		if chain.BlockhashStale(err) {
			if attempt == 0 {
				continue
			}
			return "", attempt + 1, badRequest(CodeBlockhashExpired, "transaction blockhash has expired")
		}
		if !chain.Retryable(err) {
			s.pool.MarkUnhealthy(payer, unhealthyQuarantine)
			slog.Warn("submit: non-retryable send failure",
				"payer", logging.TruncateKey(payer.String()),
				"error", err,
			)
			return "", attempt + 1, internal(CodeSubmitFailed, "chain rejected the transaction")
		}
	}
	slog.Warn("submit: retries exhausted", "error", lastErr)
	return "", maxSendRetries + 1, internal(CodeSubmitFailed, "chain send failed after retries")
}

// reject records an audit event for a refused submit and passes the error
// through.
func (s *SubmitService) reject(req SubmitRequest, svcErr *Error) *Error {
	if svcErr.Code != CodeReplayDetected {
		s.audit.Record(audit.NewEvent(audit.TypeSubmitRejected, req.UserWallet, req.ClientIP, req.QuoteID).
			WithDetail("code", svcErr.Code))
	}
	return svcErr
}

func tailLogs(logs []string, n int) []string {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
