package pool

import (
	"context"
	"log/slog"
	"time"
)

// BalanceSource answers batched lamport balances for a set of accounts.
type BalanceSource interface {
	BatchBalances(ctx context.Context, keys []string) (map[string]uint64, error)
}

// Refresher periodically folds chain balances into the pool.
type Refresher struct {
	pool     *Pool
	source   BalanceSource
	interval time.Duration
}

func NewRefresher(pool *Pool, source BalanceSource, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Refresher{pool: pool, source: source, interval: interval}
}

// Run refreshes once immediately, then on every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	keys := r.pool.PayerKeys()
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = key.String()
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	at := time.Now()
	balances, err := r.source.BatchBalances(callCtx, encoded)
	if err != nil {
		r.pool.MarkRefreshStale()
		slog.Warn("pool: balance refresh failed", "error", err)
		return
	}
	r.pool.ApplyBalances(balances, at)
}
