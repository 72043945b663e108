package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samvad-hq/samvad-dispatch/internal/config"
	"github.com/samvad-hq/samvad-dispatch/internal/metrics"
	"github.com/samvad-hq/samvad-dispatch/pkg/client"
	"github.com/samvad-hq/samvad-dispatch/pkg/publishers"
)

type sink struct {
	mu     sync.Mutex
	events []publishers.Event
}

func (s *sink) handler(w http.ResponseWriter, r *http.Request) {
	var evt publishers.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sink) snapshot() []publishers.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishers.Event(nil), s.events...)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func setup(t *testing.T, interval time.Duration) (*config.Config, *sink, *atomic.Int32) {
	t.Helper()
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		_, _ = io.WriteString(w, `{"data":{"total":3}}`)
	}))
	t.Cleanup(upstream.Close)

	events := &sink{}
	hook := httptest.NewServer(http.HandlerFunc(events.handler))
	t.Cleanup(hook.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		BaseURL:              upstream.URL,
		RequestTimeout:       time.Second,
		MaxRetries:           1,
		BackoffBase:          time.Millisecond,
		BackoffMax:           time.Millisecond,
		CacheType:            "memory",
		CacheTTL:             time.Hour,
		CacheCleanupInterval: time.Hour,
		WarmInterval:         interval,
		EndpointsFile: writeFile(t, dir, "endpoints.yaml", `
endpoints:
  - id: totals
    path: /stats
    params:
      range: day
    extract: json:data.total
  - id: disabled
    path: /never
    enabled: false
`),
		PublishersFile: writeFile(t, dir, "publishers.yaml", `
publishers:
  - id: hook
    type: http
    http:
      url: `+hook.URL+`
`),
	}
	return cfg, events, &upstreamHits
}

func TestWarmerRunOncePublishesEvents(t *testing.T) {
	cfg, events, hits := setup(t, time.Minute)
	m := metrics.New()

	c, err := client.NewFromConfig(cfg, m, nil)
	require.NoError(t, err)
	defer c.Close()

	w, err := NewWarmer(context.Background(), cfg, c, m, nil)
	require.NoError(t, err)
	require.NoError(t, w.RunOnce(context.Background()))

	got := events.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "totals", got[0].EndpointID)
	assert.Equal(t, "3", got[0].Extracted)
	assert.Equal(t, http.StatusOK, got[0].StatusCode)
	assert.EqualValues(t, 1, hits.Load())

	// The warmed entry now serves direct callers from cache.
	resp, err := c.DispatchAndFetch(context.Background(), "GET", "/stats", map[string]string{"range": "day"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"total":3}}`, string(resp.Body))
	assert.EqualValues(t, 1, hits.Load())
}

func TestWarmerRefreshesLiveEntries(t *testing.T) {
	cfg, _, hits := setup(t, time.Minute)

	c, err := client.NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	w, err := NewWarmer(context.Background(), cfg, c, nil, nil)
	require.NoError(t, err)

	// CacheTTL is an hour, so both passes run while the entry is live.
	require.NoError(t, w.RunOnce(context.Background()))
	require.NoError(t, w.RunOnce(context.Background()))
	assert.EqualValues(t, 2, hits.Load())

	_, err = c.DispatchAndFetch(context.Background(), "GET", "/stats", map[string]string{"range": "day"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestWarmerRunLoopsUntilCancelled(t *testing.T) {
	cfg, events, _ := setup(t, 10*time.Millisecond)

	c, err := client.NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	w, err := NewWarmer(context.Background(), cfg, c, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(events.snapshot()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("warmer did not stop after cancel")
	}
}

func TestNewWarmerWithoutPublishers(t *testing.T) {
	cfg, _, _ := setup(t, time.Minute)
	cfg.PublishersFile = ""

	c, err := client.NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	w, err := NewWarmer(context.Background(), cfg, c, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, w.RunOnce(context.Background()))
}

func TestNewWarmerRejectsMissingEndpointsFile(t *testing.T) {
	cfg, _, _ := setup(t, time.Minute)
	cfg.EndpointsFile = filepath.Join(t.TempDir(), "missing.yaml")

	c, err := client.NewFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = NewWarmer(context.Background(), cfg, c, nil, nil)
	assert.Error(t, err)
}
