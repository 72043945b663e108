package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
	"github.com/samvad-hq/samvad-dispatch/internal/storage"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
)

// DefaultTTL applies when Options.TTL is not positive.
const DefaultTTL = 5 * time.Minute

// Lookup results reported to Observer.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
	// ResultRefresh marks a fetch that bypassed the lookup.
	ResultRefresh = "refresh"
)

const refreshPrefix = "refresh:"

// ErrNilResponse is returned when a fetch reports success without a response.
var ErrNilResponse = errors.New("fetch returned nil response")

// FetchFunc produces the response for a cache miss.
type FetchFunc func(ctx context.Context, req domain.Request) (*domain.Response, error)

// Observer receives lookup results.
type Observer interface {
	ObserveLookup(result string)
}

// Options configures a ResponseCache.
type Options struct {
	TTL      time.Duration
	Now      func() time.Time
	Observer Observer
	Logger   logger.Logger
}

// ResponseCache maps request fingerprints to responses and runs at most one
// fetch per fingerprint at a time. It is the only writer to its store.
type ResponseCache struct {
	store    storage.Store
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group
	observer Observer
	log      logger.Logger

	// mu orders stores against invalidation. A fetch records the generation of
	// its key when it starts and only stores if nothing invalidated it since.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

// generation identifies a key's invalidation state.
type generation struct {
	epoch uint64
	gen   uint64
}

// New wraps store. A nil store disables storage but keeps single-flight.
func New(store storage.Store, opts Options) *ResponseCache {
	if store == nil {
		store, _ = storage.NewStore(storage.TypeNone, "", storage.Options{})
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ResponseCache{
		store:    store,
		ttl:      opts.TTL,
		now:      opts.Now,
		observer: opts.Observer,
		log:      logger.Ensure(opts.Logger),
		gens:     make(map[string]uint64),
	}
}

// GetOrFetch returns the cached response for req or calls fetch once for all
// concurrent callers sharing its fingerprint. Failed fetches are not stored.
//
// The fetch runs detached from the cancellation of the caller that started it,
// so a caller giving up returns ctx.Err() without aborting the other waiters.
func (c *ResponseCache) GetOrFetch(ctx context.Context, req domain.Request, fetch FetchFunc) (*domain.Response, error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch func must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := dispatch.Fingerprint(req)
	if resp, ok := c.lookup(key); ok {
		c.observe(ResultHit)
		return resp, nil
	}
	c.observe(ResultMiss)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		gen := c.generation(key)
		// A flight that finished between lookup and DoChan may already have stored it.
		if resp, ok := c.lookup(key); ok {
			return resp, nil
		}
		return c.fetchAndStore(detached, key, req, fetch, gen)
	})
	return c.wait(ctx, ch)
}

// Refresh fetches req without consulting the store and replaces its entry.
// Concurrent refreshes of one fingerprint share a single fetch. Callers of
// GetOrFetch keep being served the previous entry until the new one lands.
func (c *ResponseCache) Refresh(ctx context.Context, req domain.Request, fetch FetchFunc) (*domain.Response, error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch func must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := dispatch.Fingerprint(req)
	c.observe(ResultRefresh)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshPrefix+key, func() (interface{}, error) {
		return c.fetchAndStore(detached, key, req, fetch, c.generation(key))
	})
	return c.wait(ctx, ch)
}

func (c *ResponseCache) wait(ctx context.Context, ch <-chan singleflight.Result) (*domain.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.observe(ResultError)
			return nil, res.Err
		}
		return res.Val.(*domain.Response), nil
	}
}

// fetchAndStore runs fetch and stores the result unless key was invalidated
// after gen was taken. The response is returned either way.
func (c *ResponseCache) fetchAndStore(ctx context.Context, key string, req domain.Request, fetch FetchFunc, gen generation) (*domain.Response, error) {
	resp, err := fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNilResponse
	}

	entry := domain.CacheEntry{
		Key:       key,
		Value:     resp,
		ExpiresAt: c.now().Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentLocked(key) != gen {
		c.log.DebugObj("dropping response invalidated during fetch", "cache_meta", map[string]any{
			"key": key,
		})
		return resp, nil
	}
	if err := c.store.Put(entry); err != nil {
		// The caller still gets the fresh response; only reuse is lost.
		c.log.WarnObj("cache store failed", "cache_error", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
	return resp, nil
}

func (c *ResponseCache) generation(key string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(key)
}

func (c *ResponseCache) currentLocked(key string) generation {
	return generation{epoch: c.epoch, gen: c.gens[key]}
}

// Invalidate drops any stored response for req. A fetch already in flight still
// completes for its waiters, but its result is not stored and later callers
// start a fresh one.
func (c *ResponseCache) Invalidate(req domain.Request) error {
	key := dispatch.Fingerprint(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.group.Forget(key)
	c.group.Forget(refreshPrefix + key)
	if err := c.store.Delete(key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// Purge drops every stored response. Fetches in flight are not stored.
func (c *ResponseCache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	clear(c.gens)
	if err := c.store.Purge(); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	return nil
}

// Close releases the underlying store.
func (c *ResponseCache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

// lookup returns a live entry. Store errors degrade to a miss.
func (c *ResponseCache) lookup(key string) (*domain.Response, bool) {
	entry, found, err := c.store.Get(key)
	if err != nil {
		c.log.WarnObj("cache lookup failed", "cache_error", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}
	if !found || entry.Value == nil || entry.Expired(c.now()) {
		return nil, false
	}
	return entry.Value, true
}

func (c *ResponseCache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveLookup(result)
	}
}
