package replay

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrReplayed means these exact transaction bytes were already relayed.
	ErrReplayed = errors.New("transaction already relayed")
	// ErrInFlight means a concurrent submit currently holds these bytes.
	ErrInFlight = errors.New("transaction submit in flight")
)

const (
	// DefaultTTL keeps committed fingerprints past the blockhash validity
	// window so a replay cannot slip in at the edge.
	DefaultTTL = 150 * time.Second
	// inFlightTTL bounds how long a provisional hold can linger if a submit
	// worker dies without releasing it.
	inFlightTTL = 60 * time.Second
)

// Fingerprint is the canonical digest of the submitted transaction bytes.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Store persists committed fingerprints.
type Store interface {
	Commit(ctx context.Context, fp Fingerprint, expiresAt time.Time) error
	Contains(ctx context.Context, fp Fingerprint) (bool, error)
	Sweep(now time.Time) int
	Close() error
}

// Guard layers a process-local in-flight set over a committed-fingerprint
// store. Fingerprints enter the store only after a successful send; until
// then concurrent submits are fenced by the provisional hold.
type Guard struct {
	mu       sync.Mutex
	store    Store
	inflight map[Fingerprint]time.Time
	ttl      time.Duration
	clock    func() time.Time
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		store:    store,
		inflight: make(map[Fingerprint]time.Time),
		ttl:      ttl,
		clock:    time.Now,
	}
}

// WithClock overrides the guard clock for deterministic tests.
func (g *Guard) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// Acquire takes the provisional hold for fp. It fails with ErrReplayed when
// the fingerprint was already committed and ErrInFlight when another submit
// currently holds it.
func (g *Guard) Acquire(ctx context.Context, fp Fingerprint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	g.sweepInFlightLocked(now)

	seen, err := g.store.Contains(ctx, fp)
	if err != nil {
		return err
	}
	if seen {
		return ErrReplayed
	}
	if deadline, held := g.inflight[fp]; held && now.Before(deadline) {
		return ErrInFlight
	}
	g.inflight[fp] = now.Add(inFlightTTL)
	return nil
}

// Commit records fp as relayed and drops the provisional hold. Only called
// after the chain accepted the send.
func (g *Guard) Commit(ctx context.Context, fp Fingerprint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, fp)
	return g.store.Commit(ctx, fp, g.clock().Add(g.ttl))
}

// Release drops the provisional hold without committing, letting the client
// retry the same bytes after a transient failure. Idempotent.
func (g *Guard) Release(fp Fingerprint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, fp)
}

// Seen reports whether fp is committed, ignoring in-flight holds.
func (g *Guard) Seen(ctx context.Context, fp Fingerprint) (bool, error) {
	return g.store.Contains(ctx, fp)
}

// Sweep expires committed fingerprints and stale in-flight holds.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	g.sweepInFlightLocked(now)
	g.mu.Unlock()
	return g.store.Sweep(now)
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(g.now())
		}
	}
}

func (g *Guard) now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock()
}

func (g *Guard) sweepInFlightLocked(now time.Time) {
	for fp, deadline := range g.inflight {
		if now.After(deadline) {
			delete(g.inflight, fp)
		}
	}
}
