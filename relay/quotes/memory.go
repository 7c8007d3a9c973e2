package quotes

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps quotes in process memory. Suitable for a single relay
// instance; restarts drop outstanding quotes, which clients recover from by
// re-quoting.
type MemoryStore struct {
	mu     sync.Mutex
	quotes map[string]Quote
	clock  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes: make(map[string]Quote),
		clock:  time.Now,
	}
}

// WithClock overrides the store clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) Put(_ context.Context, quote Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quote.ID] = quote
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	if quote.Expired(s.clock()) {
		delete(s.quotes, id)
		return Quote{}, ErrExpired
	}
	return quote, nil
}

func (s *MemoryStore) Consume(_ context.Context, id string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrNotFound
	}
	delete(s.quotes, id)
	if quote.Expired(s.clock()) {
		return Quote{}, ErrExpired
	}
	return quote, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, id)
	return nil
}

// Sweep removes expired quotes and returns how many were dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, quote := range s.quotes {
		if quote.Expired(now) {
			delete(s.quotes, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }
