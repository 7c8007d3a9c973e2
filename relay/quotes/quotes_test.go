package quotes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type clockedStore interface {
	Store
	Sweeper
	WithClock(func() time.Time)
}

func testQuote(id string, created time.Time, ttl time.Duration) Quote {
	return Quote{
		ID:           id,
		UserWallet:   "FzQ4Yt7L9XkT1uVbW2mC3dE5fG6hJ8kL9mN1pQ2rS3tU",
		PaymentMint:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		FeeInToken:   uint256.NewInt(125_000),
		FeeLamports:  55_000,
		Payer:        "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		ComputeUnits: 200_000,
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
	}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) clockedStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t)
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s.WithClock(clock.Now)
		want := testQuote("q1", clock.Now(), time.Minute)
		if err := s.Put(ctx, want); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.Get(ctx, "q1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != want.ID || got.Payer != want.Payer || got.FeeLamports != want.FeeLamports {
			t.Fatalf("quote mismatch: %+v vs %+v", got, want)
		}
		if got.FeeInToken.Cmp(want.FeeInToken) != 0 {
			t.Fatalf("fee in token = %s, want %s", got.FeeInToken, want.FeeInToken)
		}
	})

	t.Run("MissingQuote", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ExpiryOnRead", func(t *testing.T) {
		s := open(t)
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s.WithClock(clock.Now)
		if err := s.Put(ctx, testQuote("q1", clock.Now(), time.Minute)); err != nil {
			t.Fatalf("put: %v", err)
		}
		clock.Advance(61 * time.Second)
		if _, err := s.Get(ctx, "q1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("err = %v, want ErrExpired", err)
		}
		// Expired read removes the quote entirely.
		if _, err := s.Get(ctx, "q1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second read err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConsumeIsSingleUse", func(t *testing.T) {
		s := open(t)
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s.WithClock(clock.Now)
		if err := s.Put(ctx, testQuote("q1", clock.Now(), time.Minute)); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := s.Consume(ctx, "q1"); err != nil {
			t.Fatalf("first consume: %v", err)
		}
		if _, err := s.Consume(ctx, "q1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second consume err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConsumeExpiredRemoves", func(t *testing.T) {
		s := open(t)
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s.WithClock(clock.Now)
		if err := s.Put(ctx, testQuote("q1", clock.Now(), time.Minute)); err != nil {
			t.Fatalf("put: %v", err)
		}
		clock.Advance(2 * time.Minute)
		if _, err := s.Consume(ctx, "q1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("err = %v, want ErrExpired", err)
		}
		if _, err := s.Get(ctx, "q1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("after expired consume err = %v, want ErrNotFound", err)
		}
	})

	t.Run("SweepDropsExpiredOnly", func(t *testing.T) {
		s := open(t)
		clock := &testClock{now: time.Unix(1_700_000_000, 0)}
		s.WithClock(clock.Now)
		if err := s.Put(ctx, testQuote("old", clock.Now(), time.Minute)); err != nil {
			t.Fatalf("put old: %v", err)
		}
		if err := s.Put(ctx, testQuote("fresh", clock.Now(), time.Hour)); err != nil {
			t.Fatalf("put fresh: %v", err)
		}
		clock.Advance(2 * time.Minute)
		if removed := s.Sweep(clock.Now()); removed != 1 {
			t.Fatalf("sweep removed %d, want 1", removed)
		}
		if _, err := s.Get(ctx, "fresh"); err != nil {
			t.Fatalf("fresh quote lost: %v", err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		if err := s.Delete(ctx, "missing"); err != nil {
			t.Fatalf("delete missing: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) clockedStore {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestLevelDBStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) clockedStore {
		s, err := NewLevelDBStore(filepath.Join(t.TempDir(), "quotes"))
		if err != nil {
			t.Fatalf("open leveldb store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "quotes")
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	s, err := NewLevelDBStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.WithClock(clock.Now)
	if err := s.Put(ctx, testQuote("persisted", clock.Now(), time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDBStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	reopened.WithClock(clock.Now)
	if _, err := reopened.Get(ctx, "persisted"); err != nil {
		t.Fatalf("quote lost across reopen: %v", err)
	}
}
