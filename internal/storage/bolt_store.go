package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

const responseBucket = "responses"

// boltStore implements a Store backed by BoltDB. Entries are stored as JSON.
type boltStore struct {
	db              *bolt.DB
	now             func() time.Time
	cleanupMu       sync.Mutex
	lastCleanup     atomic.Int64
	cleanupInterval time.Duration
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(responseBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	store := &boltStore{
		db:              db,
		now:             opts.Now,
		cleanupInterval: opts.CleanupInterval,
	}
	store.lastCleanup.Store(opts.Now().Unix())
	return store, nil
}

// Close closes the BoltDB store.
func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Get returns the live entry for key, deleting it if it has expired or cannot be decoded.
func (b *boltStore) Get(key string) (domain.CacheEntry, bool, error) {
	if b == nil || b.db == nil {
		return domain.CacheEntry{}, false, nil
	}

	now := b.now()
	if err := b.maybeCleanupExpired(now); err != nil {
		return domain.CacheEntry{}, false, err
	}

	var (
		entry domain.CacheEntry
		found bool
		stale bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responseBucket))
		if bucket == nil {
			return fmt.Errorf("response bucket missing")
		}
		value := bucket.Get([]byte(key))
		if value == nil {
			return nil
		}
		decoded, ok := decodeEntry(value)
		if !ok || decoded.Expired(now) {
			stale = true
			return nil
		}
		entry, found = decoded, true
		return nil
	})
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	if stale {
		return domain.CacheEntry{}, false, b.deleteIfStale(key, now)
	}
	return entry, found, nil
}

// Put stores entry, replacing any previous value for its key.
func (b *boltStore) Put(entry domain.CacheEntry) error {
	if b == nil || b.db == nil {
		return nil
	}

	if err := b.maybeCleanupExpired(b.now()); err != nil {
		return err
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responseBucket))
		if bucket == nil {
			return fmt.Errorf("response bucket missing")
		}
		return bucket.Put([]byte(entry.Key), raw)
	})
}

// Delete removes key if present.
func (b *boltStore) Delete(key string) error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responseBucket))
		if bucket == nil {
			return fmt.Errorf("response bucket missing")
		}
		return bucket.Delete([]byte(key))
	})
}

// Purge drops every stored entry.
func (b *boltStore) Purge() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(responseBucket)) != nil {
			if err := tx.DeleteBucket([]byte(responseBucket)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(responseBucket))
		return err
	})
}

// deleteIfStale re-checks key inside a write transaction so a fresh concurrent Put survives.
func (b *boltStore) deleteIfStale(key string, now time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responseBucket))
		if bucket == nil {
			return fmt.Errorf("response bucket missing")
		}
		value := bucket.Get([]byte(key))
		if value == nil {
			return nil
		}
		if decoded, ok := decodeEntry(value); ok && !decoded.Expired(now) {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// maybeCleanupExpired removes expired entries on a fixed cadence to avoid unbounded growth.
func (b *boltStore) maybeCleanupExpired(now time.Time) error {
	if b == nil || b.db == nil {
		return nil
	}

	last := time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()

	last = time.Unix(b.lastCleanup.Load(), 0)
	if now.Sub(last) < b.cleanupInterval {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(responseBucket))
		if bucket == nil {
			return fmt.Errorf("response bucket missing")
		}

		// Collect first: deleting under a live cursor skips the following key.
		var stale [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			entry, ok := decodeEntry(v)
			if !ok || entry.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		b.lastCleanup.Store(now.Unix())
	}
	return err
}

// decodeEntry decodes a stored entry. Undecodable or value-less entries are reported as invalid.
func decodeEntry(value []byte) (domain.CacheEntry, bool) {
	var entry domain.CacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return domain.CacheEntry{}, false
	}
	if entry.Value == nil || !domain.ValidStatus(entry.Value.StatusCode) {
		return domain.CacheEntry{}, false
	}
	return entry, true
}
