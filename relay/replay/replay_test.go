package replay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func fingerprint(b byte) Fingerprint {
	var fp Fingerprint
	fp[0] = b
	return fp
}

func newTestGuard(t *testing.T, store Store) (*Guard, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	g := NewGuard(store, DefaultTTL)
	g.WithClock(clock.Now)
	return g, clock
}

func TestAcquireCommitReplayCycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(t, store)
	store.WithClock(clock.Now)
	fp := fingerprint(1)

	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Acquire(ctx, fp); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent acquire err = %v, want ErrInFlight", err)
	}
	if err := g.Commit(ctx, fp); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := g.Acquire(ctx, fp); !errors.Is(err, ErrReplayed) {
		t.Fatalf("replay acquire err = %v, want ErrReplayed", err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(t, store)
	store.WithClock(clock.Now)
	fp := fingerprint(2)

	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.Release(fp)
	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestStaleInFlightHoldExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(t, store)
	store.WithClock(clock.Now)
	fp := fingerprint(3)

	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(inFlightTTL + time.Second)
	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire after hold expiry: %v", err)
	}
}

func TestCommittedFingerprintExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(t, store)
	store.WithClock(clock.Now)
	fp := fingerprint(4)

	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Commit(ctx, fp); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clock.Advance(DefaultTTL + time.Second)
	if err := g.Acquire(ctx, fp); err != nil {
		t.Fatalf("acquire after replay ttl: %v", err)
	}
}

func TestSweepCountsExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g, clock := newTestGuard(t, store)
	store.WithClock(clock.Now)

	for i := byte(0); i < 3; i++ {
		fp := fingerprint(i)
		if err := g.Acquire(ctx, fp); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := g.Commit(ctx, fp); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	clock.Advance(DefaultTTL + time.Second)
	if removed := g.Sweep(clock.Now()); removed != 3 {
		t.Fatalf("sweep removed %d, want 3", removed)
	}
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "replay")
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	store, err := NewLevelDBStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.WithClock(clock.Now)
	fp := fingerprint(9)
	if err := store.Commit(ctx, fp, clock.Now().Add(DefaultTTL)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDBStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	reopened.WithClock(clock.Now)
	seen, err := reopened.Contains(ctx, fp)
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !seen {
		t.Fatal("fingerprint lost across reopen")
	}

	clock.Advance(DefaultTTL + time.Second)
	seen, err = reopened.Contains(ctx, fp)
	if err != nil {
		t.Fatalf("contains after expiry: %v", err)
	}
	if seen {
		t.Fatal("expired fingerprint still visible")
	}
}

func TestLevelDBSweep(t *testing.T) {
	ctx := context.Background()
	store, err := NewLevelDBStore(filepath.Join(t.TempDir(), "replay"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store.WithClock(clock.Now)

	if err := store.Commit(ctx, fingerprint(1), clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("commit short: %v", err)
	}
	if err := store.Commit(ctx, fingerprint(2), clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("commit long: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if removed := store.Sweep(clock.Now()); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	seen, err := store.Contains(ctx, fingerprint(2))
	if err != nil || !seen {
		t.Fatalf("long-lived fingerprint lost: seen=%v err=%v", seen, err)
	}
}
