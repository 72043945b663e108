package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

// Package storage provides the key-value backends behind the response cache.

// Store holds cache entries keyed by request fingerprint.
// Get never returns an entry that is expired at the store's clock.
type Store interface {
	Get(key string) (domain.CacheEntry, bool, error)
	Put(entry domain.CacheEntry) error
	Delete(key string) error
	Purge() error
	Close() error
}

// Options controls housekeeping for concrete store implementations.
type Options struct {
	CleanupInterval time.Duration
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

const (
	TypeNone   = "none"
	TypeMemory = "memory"
	TypeBBolt  = "bbolt"

	defaultCleanupInterval = 10 * time.Minute
)

// NewStore creates the configured storage backend.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	opts = normalizeOptions(opts)

	switch typ {
	case "", TypeNone, "disabled":
		return noopStore{}, nil
	case TypeMemory:
		return newMemoryStore(opts), nil
	case TypeBBolt:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}

func normalizeOptions(opts Options) Options {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

type noopStore struct{}

func (noopStore) Get(string) (domain.CacheEntry, bool, error) { return domain.CacheEntry{}, false, nil }
func (noopStore) Put(domain.CacheEntry) error                 { return nil }
func (noopStore) Delete(string) error                         { return nil }
func (noopStore) Purge() error                                { return nil }
func (noopStore) Close() error                                { return nil }
