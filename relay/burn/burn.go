package burn

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTotals = []byte("totals")
	bucketTokens = []byte("tokens")

	keyTransactions = []byte("transactions")
	keyLamports     = []byte("lamports")
)

// Stats is the public accounting snapshot served by the stats endpoint.
type Stats struct {
	TotalTransactions uint64            `json:"totalTransactions"`
	TotalLamports     uint64            `json:"totalLamports"`
	TokensCollected   map[string]string `json:"tokensCollected"`
}

// Ledger accumulates relayed-transaction accounting in a local bbolt file.
// Totals survive restarts; the chain remains the source of truth for actual
// balances.
type Ledger struct {
	db *bolt.DB
}

func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open burn ledger at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTotals); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTokens)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize burn ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// RecordRelay folds one successful relay into the totals.
func (l *Ledger) RecordRelay(mint string, tokenAmount *uint256.Int, lamports uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		totals := tx.Bucket(bucketTotals)
		if err := addUint64(totals, keyTransactions, 1); err != nil {
			return err
		}
		if err := addUint64(totals, keyLamports, lamports); err != nil {
			return err
		}
		if mint == "" || tokenAmount == nil || tokenAmount.IsZero() {
			return nil
		}
		tokens := tx.Bucket(bucketTokens)
		current := new(uint256.Int)
		if raw := tokens.Get([]byte(mint)); raw != nil {
			if err := current.SetFromDecimal(string(raw)); err != nil {
				return fmt.Errorf("corrupt token total for %s: %w", mint, err)
			}
		}
		current.Add(current, tokenAmount)
		return tokens.Put([]byte(mint), []byte(current.Dec()))
	})
}

// Stats reads the accounting snapshot.
func (l *Ledger) Stats() (Stats, error) {
	stats := Stats{TokensCollected: make(map[string]string)}
	err := l.db.View(func(tx *bolt.Tx) error {
		totals := tx.Bucket(bucketTotals)
		stats.TotalTransactions = readUint64(totals, keyTransactions)
		stats.TotalLamports = readUint64(totals, keyLamports)
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			stats.TokensCollected[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("read burn ledger: %w", err)
	}
	return stats, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func addUint64(bucket *bolt.Bucket, key []byte, delta uint64) error {
	value := readUint64(bucket, key) + delta
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, value)
	return bucket.Put(key, encoded)
}

func readUint64(bucket *bolt.Bucket, key []byte) uint64 {
	raw := bucket.Get(key)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
