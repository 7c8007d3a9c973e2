package pool

import (
	"fmt"
	"log/slog"
	"time"

	"gasrelay/observability/logging"
	"gasrelay/relay/txwire"
)

// RotationState tracks where a payer sits in the retirement lifecycle.
type RotationState int

const (
	RotationActive RotationState = iota
	RotationRetiring
	RotationRetired
)

func (s RotationState) String() string {
	switch s {
	case RotationActive:
		return "active"
	case RotationRetiring:
		return "retiring"
	case RotationRetired:
		return "retired"
	default:
		return fmt.Sprintf("rotation(%d)", int(s))
	}
}

// PayerStatus is the admin-facing snapshot of one payer.
type PayerStatus struct {
	Key             string    `json:"key"`
	Rotation        string    `json:"rotation"`
	ObservedBalance uint64    `json:"observedBalance"`
	Reservations    int       `json:"reservations"`
	LastRefresh     time.Time `json:"lastRefresh"`
	Unhealthy       bool      `json:"unhealthy"`
	Forced          bool      `json:"forced,omitempty"`
}

// StartRetirement moves an active payer to RETIRING. A retiring payer takes no
// new reservations but keeps honoring submits for quotes it already backs.
func (p *Pool) StartRetirement(key txwire.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayer, key)
	}
	switch entry.rotation {
	case RotationRetired:
		return ErrPayerRetired
	case RotationRetiring:
		return nil
	}
	entry.rotation = RotationRetiring
	slog.Info("pool: payer retiring", "payer", logging.TruncateKey(key.String()))
	return nil
}

// CompleteRetirement finalizes a RETIRING payer once it holds no reservations.
func (p *Pool) CompleteRetirement(key txwire.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayer, key)
	}
	if entry.rotation != RotationRetiring {
		return fmt.Errorf("payer %s is %s, not retiring", logging.TruncateKey(key.String()), entry.rotation)
	}
	p.sweepLocked(p.clock())
	if len(entry.reservations) > 0 {
		return fmt.Errorf("%w: %d outstanding", ErrHasReservations, len(entry.reservations))
	}
	// The signing key stays loaded so a graceful retirement can be undone;
	// only EmergencyRetire discards it.
	entry.rotation = RotationRetired
	slog.Info("pool: payer retired", "payer", logging.TruncateKey(key.String()))
	return nil
}

// EmergencyRetire pulls a payer out immediately, cancelling its reservations.
// Pending submits backed by those reservations will fail and re-quote.
func (p *Pool) EmergencyRetire(key txwire.Pubkey) (cancelled int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPayer, key)
	}
	for quoteID := range entry.reservations {
		delete(p.reservations, quoteID)
		cancelled++
	}
	entry.reservations = make(map[string]struct{})
	entry.rotation = RotationRetired
	entry.forced = true
	entry.signingKey = nil
	p.metrics.SetReservations(len(p.reservations))
	slog.Warn("pool: payer force-retired",
		"payer", logging.TruncateKey(key.String()),
		"cancelled_reservations", cancelled,
	)
	return cancelled, nil
}

// Reactivate returns a retiring or gracefully retired payer to service.
// Force-retired payers stay out; their keys are assumed compromised.
func (p *Pool) Reactivate(key txwire.Pubkey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayer, key)
	}
	if entry.forced {
		return ErrForcedRetirement
	}
	entry.rotation = RotationActive
	slog.Info("pool: payer reactivated", "payer", logging.TruncateKey(key.String()))
	return nil
}

// Status snapshots every payer for the admin surface.
func (p *Pool) Status() []PayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	out := make([]PayerStatus, 0, len(p.payers))
	for _, entry := range p.payers {
		out = append(out, PayerStatus{
			Key:             logging.TruncateKey(entry.key.String()),
			Rotation:        entry.rotation.String(),
			ObservedBalance: entry.observedBalance,
			Reservations:    len(entry.reservations),
			LastRefresh:     entry.lastRefresh,
			Unhealthy:       now.Before(entry.unhealthyUntil),
			Forced:          entry.forced,
		})
	}
	return out
}
