package quotes

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"
)

var (
	// ErrNotFound is returned when no quote exists under the id.
	ErrNotFound = errors.New("quote not found")
	// ErrExpired is returned when the quote exists but its TTL has lapsed.
	ErrExpired = errors.New("quote expired")
)

// Quote is the signed offer handed to a client after the quote phase. The
// submit phase consumes it exactly once.
type Quote struct {
	ID           string       `json:"id"`
	UserWallet   string       `json:"userWallet"`
	PaymentMint  string       `json:"paymentMint"`
	FeeInToken   *uint256.Int `json:"feeInToken"`
	FeeLamports  uint64       `json:"feeLamports"`
	Payer        string       `json:"payer"`
	ComputeUnits uint64       `json:"computeUnits"`
	Discount     float64      `json:"discount"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// Expired reports whether the quote is past its deadline at the given time.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Store persists quotes between the two pipeline phases.
//
// Get enforces the TTL on read: an expired quote is reported as ErrExpired
// and removed. Consume is the linearizable get-then-delete used by submit,
// so two concurrent submits for the same quote cannot both win.
type Store interface {
	Put(ctx context.Context, quote Quote) error
	Get(ctx context.Context, id string) (Quote, error)
	Consume(ctx context.Context, id string) (Quote, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Sweeper drives periodic expiry passes over a store backend.
type Sweeper interface {
	Sweep(now time.Time) int
}

// RunSweeper deletes expired quotes on the given cadence until ctx ends.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, clock func() time.Time) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(clock())
		}
	}
}
