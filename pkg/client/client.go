package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/config"
	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
	"github.com/samvad-hq/samvad-dispatch/internal/storage"
	"github.com/samvad-hq/samvad-dispatch/pkg/cache"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
	"github.com/samvad-hq/samvad-dispatch/pkg/httpclient"
)

// Options wires a Client from already built parts.
type Options struct {
	Transport httpclient.Sender
	Cache     *cache.ResponseCache
	// Timeout is passed to every Send; zero lets the transport pick its default.
	Timeout time.Duration
	Logger  logger.Logger
}

// Client builds, deduplicates, caches and sends requests. It owns its cache
// and transport; Close releases both.
type Client struct {
	transport httpclient.Sender
	cache     *cache.ResponseCache
	timeout   time.Duration
	log       logger.Logger
}

// Observer receives both transport and cache events.
type Observer interface {
	httpclient.Observer
	cache.Observer
}

// New returns a Client. A nil Cache gets a storage-less cache so concurrent
// identical GETs still share one fetch.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("client transport is required")
	}
	log := logger.Ensure(opts.Logger)
	c := opts.Cache
	if c == nil {
		c = cache.New(nil, cache.Options{Logger: log})
	}
	return &Client{
		transport: opts.Transport,
		cache:     c,
		timeout:   opts.Timeout,
		log:       log,
	}, nil
}

// NewFromConfig builds the transport and cache described by cfg. obs may be nil.
func NewFromConfig(cfg *config.Config, obs Observer, log logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	retries := cfg.MaxRetries
	if retries == 0 {
		// httpclient treats zero as "use the default".
		retries = -1
	}

	var transportObs httpclient.Observer
	var cacheObs cache.Observer
	if obs != nil {
		transportObs, cacheObs = obs, obs
	}

	transport := httpclient.New(httpclient.Options{
		BaseURL:     cfg.BaseURL,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout,
		MaxRetries:  retries,
		BaseBackoff: cfg.BackoffBase,
		MaxBackoff:  cfg.BackoffMax,
		Jitter:      cfg.BackoffJitter,
		RateLimit:   cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
		Observer:    transportObs,
		Logger:      log,
	})

	store, err := storage.NewStore(cfg.CacheType, cfg.BBoltPath, storage.Options{
		CleanupInterval: cfg.CacheCleanupInterval,
	})
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	rc := cache.New(store, cache.Options{
		TTL:      cfg.CacheTTL,
		Observer: cacheObs,
		Logger:   log,
	})

	return New(Options{
		Transport: transport,
		Cache:     rc,
		Timeout:   cfg.RequestTimeout,
		Logger:    log,
	})
}

// DispatchAndFetch builds a request from its parts and returns the response,
// served from cache when a live entry exists.
func (c *Client) DispatchAndFetch(ctx context.Context, method, path string, params map[string]string) (*domain.Response, error) {
	req, err := dispatch.Build(method, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do sends a prebuilt request. GET responses go through the cache; other
// methods always reach the transport and are never stored.
func (c *Client) Do(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method != domain.MethodGet {
		return c.transport.Send(ctx, req, c.timeout)
	}
	return c.cache.GetOrFetch(ctx, req, c.fetch)
}

// Refresh sends req and, for GET, replaces its cached response even when a
// live one exists. Other methods behave as in Do.
func (c *Client) Refresh(ctx context.Context, req domain.Request) (*domain.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Method != domain.MethodGet {
		return c.transport.Send(ctx, req, c.timeout)
	}
	return c.cache.Refresh(ctx, req, c.fetch)
}

// Invalidate drops the cached response for a GET to path with params.
func (c *Client) Invalidate(path string, params map[string]string) error {
	req, err := dispatch.Build(string(domain.MethodGet), path, params, nil)
	if err != nil {
		return err
	}
	return c.cache.Invalidate(req)
}

// Purge drops every cached response.
func (c *Client) Purge() error {
	return c.cache.Purge()
}

// Close releases the cache store and the transport's idle connections.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) fetch(ctx context.Context, req domain.Request) (*domain.Response, error) {
	resp, err := c.transport.Send(ctx, req, c.timeout)
	if err != nil {
		c.log.DebugObj("fetch failed", "fetch_error", map[string]any{
			"method": req.Method,
			"path":   req.Path,
			"error":  err.Error(),
		})
		return nil, err
	}
	return resp, nil
}
