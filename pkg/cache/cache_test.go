package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/internal/storage"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *countingObserver) ObserveLookup(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = map[string]int{}
	}
	o.results[result]++
}

func newMemoryCache(t *testing.T, ttl time.Duration) (*ResponseCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store, err := storage.NewStore(storage.TypeMemory, "", storage.Options{Now: clock.Now})
	require.NoError(t, err)
	c := New(store, Options{TTL: ttl, Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func mustBuild(t *testing.T, method, path string, params map[string]string) domain.Request {
	t.Helper()
	req, err := dispatch.Build(method, path, params, nil)
	require.NoError(t, err)
	return req
}

func TestGetOrFetchCachesWithinTTL(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/users/1", nil)

	var calls atomic.Int32
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200, Body: []byte(`{"id":1}`)}, nil
	}

	first, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)
	second, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, `{"id":1}`, string(second.Body))
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/hot", map[string]string{"page": "1"})

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		<-release
		return &domain.Response{StatusCode: 200, Body: []byte("hot")}, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*domain.Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), req, fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestGetOrFetchNeverReturnsExpiredEntry(t *testing.T) {
	c, clock := newMemoryCache(t, 10*time.Second)
	req := mustBuild(t, "GET", "/ttl", nil)

	var calls atomic.Int32
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		n := calls.Add(1)
		return &domain.Response{StatusCode: 200, Body: []byte{byte('0' + n)}}, nil
	}

	first, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	cached, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)
	assert.Same(t, first, cached)

	clock.Advance(time.Second)
	fresh, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.Equal(t, "2", string(fresh.Body))
	assert.EqualValues(t, 2, calls.Load())
}

func TestGetOrFetchFailureReachesAllWaitersAndIsNotCached(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/flaky", nil)
	boom := errors.New("boom")

	var calls atomic.Int32
	release := make(chan struct{})
	failing := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), req, failing)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	resp, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCancelledWaiterDoesNotAbortFetch(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/slow", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	fetch := func(ctx context.Context, _ domain.Request) (*domain.Response, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			fetchCtxErr.Store(ctx.Err())
		}
		return &domain.Response{StatusCode: 200, Body: []byte("done")}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, req, fetch)
		firstErr <- err
	}()
	<-started

	secondResp := make(chan *domain.Response, 1)
	go func() {
		resp, err := c.GetOrFetch(context.Background(), req, fetch)
		assert.NoError(t, err)
		secondResp <- resp
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	resp := <-secondResp
	require.NotNil(t, resp)
	assert.Equal(t, "done", string(resp.Body))
	assert.Nil(t, fetchCtxErr.Load(), "fetch context must not be cancelled by a waiter")

	cached, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		t.Errorf("fetch must not run for a cached entry")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, resp, cached)
}

func TestDistinctFingerprintsDoNotBlockEachOther(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	slow := mustBuild(t, "GET", "/slow", nil)
	fast := mustBuild(t, "GET", "/fast", nil)

	release := make(chan struct{})
	go func() {
		_, _ = c.GetOrFetch(context.Background(), slow, func(context.Context, domain.Request) (*domain.Response, error) {
			<-release
			return &domain.Response{StatusCode: 200}, nil
		})
	}()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.GetOrFetch(ctx, fast, func(context.Context, domain.Request) (*domain.Response, error) {
		return &domain.Response{StatusCode: 204}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}

func TestParamOrderSharesEntry(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	a := mustBuild(t, "GET", "/search", map[string]string{"q": "go", "page": "2"})
	b := mustBuild(t, "get", "search/", map[string]string{"page": "2", "q": "go"})

	var calls atomic.Int32
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200}, nil
	}
	_, err := c.GetOrFetch(context.Background(), a, fetch)
	require.NoError(t, err)
	_, err = c.GetOrFetch(context.Background(), b, fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/users/2", nil)

	var calls atomic.Int32
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200}, nil
	}

	_, _ = c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, c.Invalidate(req))
	_, _ = c.GetOrFetch(context.Background(), req, fetch)
	assert.EqualValues(t, 2, calls.Load())

	require.NoError(t, c.Purge())
	_, _ = c.GetOrFetch(context.Background(), req, fetch)
	assert.EqualValues(t, 3, calls.Load())
}

func TestNilResponseIsAnError(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/nil", nil)

	_, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNilResponse)

	_, err = c.GetOrFetch(context.Background(), req, nil)
	assert.Error(t, err)
}

func TestObserverSeesHitsAndMisses(t *testing.T) {
	obs := &countingObserver{}
	c := New(nil, Options{Observer: obs})
	req := mustBuild(t, "GET", "/obs", nil)
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		return &domain.Response{StatusCode: 200}, nil
	}

	// Without a store every call is a miss, but still served.
	for i := 0; i < 2; i++ {
		_, err := c.GetOrFetch(context.Background(), req, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, obs.results[ResultMiss])
	assert.Zero(t, obs.results[ResultHit])
}

func TestInvalidateDuringFetchKeepsStaleResultOut(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/feed", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	staleFetch := func(context.Context, domain.Request) (*domain.Response, error) {
		close(started)
		<-release
		return &domain.Response{StatusCode: 200, Body: []byte("stale")}, nil
	}

	staleDone := make(chan *domain.Response, 1)
	go func() {
		resp, err := c.GetOrFetch(context.Background(), req, staleFetch)
		assert.NoError(t, err)
		staleDone <- resp
	}()
	<-started

	require.NoError(t, c.Invalidate(req))

	fresh, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		return &domain.Response{StatusCode: 200, Body: []byte("fresh")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(fresh.Body))

	close(release)
	stale := <-staleDone
	require.NotNil(t, stale)
	assert.Equal(t, "stale", string(stale.Body), "waiters of the old flight still get its result")

	got, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		t.Errorf("fetch should not run, fresh entry is cached")
		return nil, errors.New("unexpected fetch")
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got.Body))
}

func TestPurgeDuringFetchKeepsResultOut(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/feed", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
			close(started)
			<-release
			return &domain.Response{StatusCode: 200, Body: []byte("old")}, nil
		})
		assert.NoError(t, err)
	}()
	<-started
	require.NoError(t, c.Purge())
	close(release)
	<-done

	var calls atomic.Int32
	_, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200, Body: []byte("new")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshReplacesLiveEntry(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	obs := &countingObserver{}
	c.observer = obs
	req := mustBuild(t, "GET", "/prices", nil)

	version := "v1"
	var calls atomic.Int32
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		return &domain.Response{StatusCode: 200, Body: []byte(version)}, nil
	}

	first, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(first.Body))

	version = "v2"
	refreshed, err := c.Refresh(context.Background(), req, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(refreshed.Body))
	assert.Equal(t, int32(2), calls.Load(), "refresh must fetch even though v1 is live")

	got, err := c.GetOrFetch(context.Background(), req, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got.Body))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, obs.results[ResultRefresh])
}

func TestRefreshSingleFlight(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/prices", nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, domain.Request) (*domain.Response, error) {
		calls.Add(1)
		<-release
		return &domain.Response{StatusCode: 200, Body: []byte("ok")}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			resp, err := c.Refresh(context.Background(), req, fetch)
			assert.NoError(t, err)
			if assert.NotNil(t, resp) {
				assert.Equal(t, "ok", string(resp.Body))
			}
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshFailureKeepsPreviousEntry(t *testing.T) {
	c, _ := newMemoryCache(t, time.Minute)
	req := mustBuild(t, "GET", "/prices", nil)

	_, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		return &domain.Response{StatusCode: 200, Body: []byte("v1")}, nil
	})
	require.NoError(t, err)

	boom := errors.New("upstream down")
	_, err = c.Refresh(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := c.GetOrFetch(context.Background(), req, func(context.Context, domain.Request) (*domain.Response, error) {
		t.Errorf("fetch should not run, v1 is still live")
		return nil, errors.New("unexpected fetch")
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Body))
}
