package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemoryStore keeps committed fingerprints in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Fingerprint]time.Time
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Fingerprint]time.Time),
		clock:   time.Now,
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

func (s *MemoryStore) Commit(_ context.Context, fp Fingerprint, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = expiresAt
	return nil
}

func (s *MemoryStore) Contains(_ context.Context, fp Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[fp]
	if !ok {
		return false, nil
	}
	if s.clock().After(expiresAt) {
		delete(s.entries, fp)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, expiresAt := range s.entries {
		if now.After(expiresAt) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }

const replayKeyPrefix = "replay/"

// LevelDBStore persists committed fingerprints so a restart inside the
// blockhash validity window cannot reopen a replay hole. Values hold the
// expiry as unix nanoseconds.
type LevelDBStore struct {
	db    *leveldb.DB
	clock func() time.Time
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store at %s: %w", path, err)
	}
	return &LevelDBStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the store clock for deterministic tests.
func (s *LevelDBStore) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func replayKey(fp Fingerprint) []byte {
	return append([]byte(replayKeyPrefix), fp[:]...)
}

func (s *LevelDBStore) Commit(_ context.Context, fp Fingerprint, expiresAt time.Time) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(expiresAt.UnixNano()))
	if err := s.db.Put(replayKey(fp), value, nil); err != nil {
		return fmt.Errorf("persist fingerprint %s: %w", fp, err)
	}
	return nil
}

func (s *LevelDBStore) Contains(_ context.Context, fp Fingerprint) (bool, error) {
	raw, err := s.db.Get(replayKey(fp), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read fingerprint %s: %w", fp, err)
	}
	if len(raw) != 8 {
		return false, nil
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
	if s.clock().After(expiresAt) {
		_ = s.db.Delete(replayKey(fp), nil)
		return false, nil
	}
	return true, nil
}

func (s *LevelDBStore) Sweep(now time.Time) int {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(replayKeyPrefix)), nil)
	defer iter.Release()
	removed := 0
	for iter.Next() {
		raw := iter.Value()
		if len(raw) != 8 {
			batch.Delete(append([]byte(nil), iter.Key()...))
			removed++
			continue
		}
		expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
		if now.After(expiresAt) {
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
