package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const quoteKeyPrefix = "quote/"

// LevelDBStore persists quotes on disk so outstanding quotes survive a relay
// restart. A store-level mutex makes Consume a single linearizable step.
type LevelDBStore struct {
	mu    sync.Mutex
	db    *leveldb.DB
	clock func() time.Time
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open quote store at %s: %w", path, err)
	}
	return &LevelDBStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the store clock for deterministic tests.
func (s *LevelDBStore) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func quoteKey(id string) []byte {
	return []byte(quoteKeyPrefix + id)
}

func (s *LevelDBStore) Put(_ context.Context, quote Quote) error {
	encoded, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("encode quote %s: %w", quote.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(quoteKey(quote.ID), encoded, nil); err != nil {
		return fmt.Errorf("persist quote %s: %w", quote.ID, err)
	}
	return nil
}

func (s *LevelDBStore) Get(_ context.Context, id string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, false)
}

func (s *LevelDBStore) Consume(_ context.Context, id string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, true)
}

func (s *LevelDBStore) getLocked(id string, consume bool) (Quote, error) {
	raw, err := s.db.Get(quoteKey(id), nil)
	if err == leveldb.ErrNotFound {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("read quote %s: %w", id, err)
	}
	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return Quote{}, fmt.Errorf("decode quote %s: %w", id, err)
	}
	expired := quote.Expired(s.clock())
	if consume || expired {
		if err := s.db.Delete(quoteKey(id), nil); err != nil {
			return Quote{}, fmt.Errorf("delete quote %s: %w", id, err)
		}
	}
	if expired {
		return Quote{}, ErrExpired
	}
	return quote, nil
}

func (s *LevelDBStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(quoteKey(id), nil); err != nil {
		return fmt.Errorf("delete quote %s: %w", id, err)
	}
	return nil
}

// Sweep batch-deletes expired quotes and returns how many were dropped.
func (s *LevelDBStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(quoteKeyPrefix)), nil)
	defer iter.Release()
	removed := 0
	for iter.Next() {
		var quote Quote
		if err := json.Unmarshal(iter.Value(), &quote); err != nil {
			// Unreadable entries are dead weight either way.
			batch.Delete(append([]byte(nil), iter.Key()...))
			removed++
			continue
		}
		if quote.Expired(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
			removed++
		}
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0
		}
	}
	return removed
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
