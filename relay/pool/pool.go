package pool

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gasrelay/observability"
	"gasrelay/observability/logging"
	"gasrelay/relay/txwire"
)

var (
	ErrNoCapacity        = errors.New("no payer capacity")
	ErrCircuitOpen       = errors.New("pool circuit breaker open")
	ErrUnknownPayer      = errors.New("payer not found")
	ErrSignerUnavailable = errors.New("signing key unavailable")
	ErrPayerRetired      = errors.New("payer retired")
	ErrHasReservations   = errors.New("payer still holds reservations")
	ErrForcedRetirement  = errors.New("payer was force-retired")
)

const (
	breakerFailureLimit = 5
	breakerOpenFor      = 30 * time.Second
	defaultUnhealthyFor = 60 * time.Second
)

// Limits bound the capacity accounting for every payer.
type Limits struct {
	MinHealthyBalance uint64
	MaxPerPayer       int
	ReservationTTL    time.Duration
}

// Reservation records lamports held against a quote.
type Reservation struct {
	QuoteID   string
	Payer     txwire.Pubkey
	Amount    uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type payer struct {
	key             txwire.Pubkey
	signingKey      ed25519.PrivateKey
	observedBalance uint64
	lastRefresh     time.Time
	refreshStale    bool
	unhealthyUntil  time.Time
	rotation        RotationState
	forced          bool
	reservations    map[string]struct{}
}

// Pool owns the fee-payer signing keys and answers lamport reservations.
// All state transitions run under one mutex; critical sections are short.
type Pool struct {
	mu           sync.Mutex
	payers       []*payer
	byKey        map[txwire.Pubkey]*payer
	reservations map[string]*Reservation
	cursor       int
	limits       Limits

	breakerOpenUntil    time.Time
	consecutiveFailures int

	clock   func() time.Time
	metrics *observability.PoolMetrics
	tracer  trace.Tracer
}

// New constructs a pool from base58-encoded 64-byte ed25519 signing keys.
func New(encodedKeys []string, limits Limits) (*Pool, error) {
	if len(encodedKeys) == 0 {
		return nil, fmt.Errorf("at least one fee payer key required")
	}
	if limits.MinHealthyBalance == 0 {
		limits.MinHealthyBalance = 50_000_000
	}
	if limits.MaxPerPayer <= 0 {
		limits.MaxPerPayer = 50
	}
	if limits.ReservationTTL <= 0 {
		limits.ReservationTTL = 90 * time.Second
	}
	p := &Pool{
		byKey:        make(map[txwire.Pubkey]*payer, len(encodedKeys)),
		reservations: make(map[string]*Reservation),
		limits:       limits,
		clock:        time.Now,
		metrics:      observability.Pool(),
		tracer:       otel.Tracer("relay/pool"),
	}
	for i, encoded := range encodedKeys {
		decoded := base58.Decode(encoded)
		if len(decoded) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("fee payer key %d: decoded to %d bytes, want %d", i, len(decoded), ed25519.PrivateKeySize)
		}
		priv := ed25519.PrivateKey(decoded)
		var pub txwire.Pubkey
		copy(pub[:], priv.Public().(ed25519.PublicKey))
		if _, dup := p.byKey[pub]; dup {
			return nil, fmt.Errorf("fee payer key %d duplicates %s", i, pub)
		}
		entry := &payer{
			key:          pub,
			signingKey:   priv,
			rotation:     RotationActive,
			reservations: make(map[string]struct{}),
		}
		p.payers = append(p.payers, entry)
		p.byKey[pub] = entry
	}
	return p, nil
}

// WithClock overrides the pool clock for deterministic tests.
func (p *Pool) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// Reserve holds amount lamports against quoteID on a reservable payer,
// selected by a wrapping round-robin cursor. Refusal is a normal outcome,
// not an error condition to alert on.
func (p *Pool) Reserve(ctx context.Context, quoteID string, amount uint64) (txwire.Pubkey, error) {
	_, span := p.tracer.Start(ctx, "pool.reserve",
		trace.WithAttributes(attribute.String("quote.id", quoteID)))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	p.sweepLocked(now)

	if now.Before(p.breakerOpenUntil) {
		p.metrics.RecordRejection("circuit_open")
		span.SetStatus(codes.Error, ErrCircuitOpen.Error())
		return txwire.Pubkey{}, ErrCircuitOpen
	}
	if _, exists := p.reservations[quoteID]; exists {
		span.SetStatus(codes.Error, "duplicate quote id")
		return txwire.Pubkey{}, fmt.Errorf("quote %s already holds a reservation", quoteID)
	}

	for scanned := 0; scanned < len(p.payers); scanned++ {
		candidate := p.payers[(p.cursor+scanned)%len(p.payers)]
		if !p.reservableLocked(candidate, now) {
			continue
		}
		// A balance refresh can land below the outstanding reserved sum;
		// the subtraction must not wrap.
		reserved := p.reservedLocked(candidate)
		if reserved >= candidate.observedBalance {
			continue
		}
		available := candidate.observedBalance - reserved
		if available < amount+p.limits.MinHealthyBalance {
			continue
		}
		res := &Reservation{
			QuoteID:   quoteID,
			Payer:     candidate.key,
			Amount:    amount,
			CreatedAt: now,
			ExpiresAt: now.Add(p.limits.ReservationTTL),
		}
		p.reservations[quoteID] = res
		candidate.reservations[quoteID] = struct{}{}
		p.cursor = (p.cursor + scanned + 1) % len(p.payers)
		p.consecutiveFailures = 0
		p.metrics.SetReservations(len(p.reservations))
		span.SetAttributes(attribute.String("payer", candidate.key.String()))
		span.SetStatus(codes.Ok, "reserved")
		return candidate.key, nil
	}

	p.consecutiveFailures++
	if p.consecutiveFailures >= breakerFailureLimit {
		p.breakerOpenUntil = now.Add(breakerOpenFor)
		p.consecutiveFailures = 0
		p.metrics.SetBreaker(true)
		slog.Warn("pool: circuit breaker opened",
			"open_until", p.breakerOpenUntil,
			"payers", len(p.payers),
		)
	}
	p.metrics.RecordRejection("no_capacity")
	span.SetStatus(codes.Error, ErrNoCapacity.Error())
	return txwire.Pubkey{}, ErrNoCapacity
}

// Release drops the reservation for quoteID if present. Idempotent.
func (p *Pool) Release(quoteID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(quoteID)
}

func (p *Pool) releaseLocked(quoteID string) {
	res, ok := p.reservations[quoteID]
	if !ok {
		return
	}
	delete(p.reservations, quoteID)
	if owner, ok := p.byKey[res.Payer]; ok {
		delete(owner.reservations, quoteID)
	}
	p.metrics.SetReservations(len(p.reservations))
}

// ReservationFor returns the live reservation backing a quote.
func (p *Pool) ReservationFor(quoteID string) (Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.reservations[quoteID]
	if !ok {
		return Reservation{}, false
	}
	if p.clock().After(res.ExpiresAt) {
		p.releaseLocked(quoteID)
		return Reservation{}, false
	}
	return *res, true
}

// CanProcessSubmit reports whether the payer may still honor a reservation.
// RETIRING payers keep draining the pipeline; RETIRED payers do not.
func (p *Pool) CanProcessSubmit(key txwire.Pubkey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return false
	}
	if entry.rotation == RotationRetired {
		return false
	}
	return entry.observedBalance >= p.limits.MinHealthyBalance
}

// Sign adds the fee payer's signature in the fee-payer slot.
func (p *Pool) Sign(tx *txwire.Transaction, key txwire.Pubkey) error {
	p.mu.Lock()
	entry, ok := p.byKey[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayer, key)
	}
	if len(entry.signingKey) != ed25519.PrivateKeySize {
		return ErrSignerUnavailable
	}
	raw := ed25519.Sign(entry.signingKey, tx.MessageBytes())
	var sig txwire.Signature
	copy(sig[:], raw)
	return tx.SetSignature(0, sig)
}

// MarkUnhealthy quarantines a payer after a non-retryable send failure.
func (p *Pool) MarkUnhealthy(key txwire.Pubkey, d time.Duration) {
	if d <= 0 {
		d = defaultUnhealthyFor
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return
	}
	entry.unhealthyUntil = p.clock().Add(d)
	p.metrics.SetPayerHealth(key.String(), false)
	slog.Warn("pool: payer marked unhealthy",
		"payer", logging.TruncateKey(key.String()),
		"until", entry.unhealthyUntil,
	)
}

// ApplyBalances folds a refresh snapshot into the pool. Snapshots older than
// the last applied refresh for a payer are ignored so stale reads never win.
func (p *Pool) ApplyBalances(balances map[string]uint64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.payers {
		lamports, ok := balances[entry.key.String()]
		if !ok {
			continue
		}
		if !entry.lastRefresh.IsZero() && at.Before(entry.lastRefresh) {
			continue
		}
		entry.observedBalance = lamports
		entry.lastRefresh = at
		entry.refreshStale = false
		if lamports >= p.limits.MinHealthyBalance && !p.clock().Before(entry.unhealthyUntil) {
			entry.unhealthyUntil = time.Time{}
		}
		p.metrics.RecordBalance(entry.key.String(), lamports)
		p.metrics.SetPayerHealth(entry.key.String(), p.reservableLocked(entry, p.clock()))
	}
}

// MarkRefreshStale flags payers whose balance could not be refreshed without
// zeroing the last known value.
func (p *Pool) MarkRefreshStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.payers {
		entry.refreshStale = true
	}
	p.metrics.RecordRefreshError()
}

// BreakerOpen reports the breaker state for health checks.
func (p *Pool) BreakerOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := p.clock().Before(p.breakerOpenUntil)
	if !open {
		p.metrics.SetBreaker(false)
	}
	return open
}

// PayerKeys lists every payer public key in pool order.
func (p *Pool) PayerKeys() []txwire.Pubkey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]txwire.Pubkey, len(p.payers))
	for i, entry := range p.payers {
		keys[i] = entry.key
	}
	return keys
}

// ObservedBalance returns the cached balance for a payer.
func (p *Pool) ObservedBalance(key txwire.Pubkey) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return 0, false
	}
	return entry.observedBalance, true
}

func (p *Pool) reservableLocked(entry *payer, now time.Time) bool {
	if entry.rotation != RotationActive {
		return false
	}
	if now.Before(entry.unhealthyUntil) {
		return false
	}
	if entry.observedBalance < p.limits.MinHealthyBalance {
		return false
	}
	return len(entry.reservations) < p.limits.MaxPerPayer
}

func (p *Pool) reservedLocked(entry *payer) uint64 {
	var total uint64
	for quoteID := range entry.reservations {
		if res, ok := p.reservations[quoteID]; ok {
			total += res.Amount
		}
	}
	return total
}

func (p *Pool) sweepLocked(now time.Time) {
	for quoteID, res := range p.reservations {
		if now.After(res.ExpiresAt) {
			delete(p.reservations, quoteID)
			if owner, ok := p.byKey[res.Payer]; ok {
				delete(owner.reservations, quoteID)
			}
		}
	}
	p.metrics.SetReservations(len(p.reservations))
}
