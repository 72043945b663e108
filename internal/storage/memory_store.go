package storage

import (
	"sync"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

// memoryStore keeps entries in process. Get hands back the stored *Response as is.
type memoryStore struct {
	mu              sync.RWMutex
	entries         map[string]domain.CacheEntry
	now             func() time.Time
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

func newMemoryStore(opts Options) *memoryStore {
	return &memoryStore{
		entries:         make(map[string]domain.CacheEntry),
		now:             opts.Now,
		cleanupInterval: opts.CleanupInterval,
		lastCleanup:     opts.Now(),
	}
}

func (m *memoryStore) Get(key string) (domain.CacheEntry, bool, error) {
	now := m.now()

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	if entry.Expired(now) {
		m.mu.Lock()
		// Only drop the entry we saw; a concurrent Put may have replaced it.
		if cur, ok := m.entries[key]; ok && cur.Expired(now) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return domain.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (m *memoryStore) Put(entry domain.CacheEntry) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = entry
	m.cleanupLocked(now)
	return nil
}

func (m *memoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Purge() error {
	m.mu.Lock()
	m.entries = make(map[string]domain.CacheEntry)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return m.Purge() }

// Len reports the number of stored entries, expired ones included.
func (m *memoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// cleanupLocked sweeps expired entries on a fixed cadence to avoid unbounded growth.
func (m *memoryStore) cleanupLocked(now time.Time) {
	if now.Sub(m.lastCleanup) < m.cleanupInterval {
		return
	}
	for k, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, k)
		}
	}
	m.lastCleanup = now
}
