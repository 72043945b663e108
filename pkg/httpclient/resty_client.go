package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 100 * time.Millisecond
	DefaultMaxBackoff  = 2 * time.Second
)

// Options configures a Transport. Zero values fall back to the defaults above.
type Options struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
	// RateLimit caps attempts per second across all callers; zero disables it.
	RateLimit float64
	RateBurst int
	// RoundTripper replaces the pooled http.Transport resty builds by default.
	RoundTripper http.RoundTripper
	Observer     Observer
	Logger       logger.Logger
}

// Transport executes requests through a shared resty client with bounded retries.
type Transport struct {
	client      *resty.Client
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	jitter      bool
	limiter     *rate.Limiter
	observer    Observer
	log         logger.Logger
}

// New creates a Transport. MaxRetries of zero selects DefaultMaxRetries;
// a negative value disables retries.
func New(opts Options) *Transport {
	opts = normalizeOptions(opts)

	// The send deadline travels on the request context, not the http.Client.
	c := newRestyBaseClient(0)
	c.SetBaseURL(opts.BaseURL)
	if opts.UserAgent != "" {
		c.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.RoundTripper != nil {
		c.SetTransport(opts.RoundTripper)
	}

	t := &Transport{
		client:      c,
		timeout:     opts.Timeout,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		jitter:      opts.Jitter,
		observer:    opts.Observer,
		log:         logger.Ensure(opts.Logger),
	}
	if opts.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return t
}

func normalizeOptions(opts Options) Options {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	switch {
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return opts
}

// NewRestyHTTPClient exposes a configured resty.Client for callers needing custom verbs.
func NewRestyHTTPClient(timeout time.Duration) *resty.Client {
	return newRestyBaseClient(timeout)
}

// newRestyBaseClient creates a new resty.Client with the specified timeout.
// Retries are driven by Transport.Send, never by resty itself.
func newRestyBaseClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetRetryCount(0)
	return c
}

// Send executes req, retrying network failures and 5xx responses with
// exponential backoff. timeout bounds the whole call including retries;
// zero uses the configured default.
func (t *Transport) Send(ctx context.Context, req domain.Request, timeout time.Duration) (*domain.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = t.timeout
	}
	if _, ok := domain.ParseMethod(string(req.Method)); !ok {
		return nil, fmt.Errorf("%w %q", domain.ErrInvalidMethod, req.Method)
	}
	if strings.TrimSpace(req.Path) == "" {
		return nil, fmt.Errorf("%w: path is empty", domain.ErrInvalidPath)
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := string(req.Method)
	attempts := 0
	lastStatus := 0
	var lastErr error

	for retry := 0; retry <= t.maxRetries; retry++ {
		if retry > 0 {
			if !sleepWithBackoff(sendCtx, t.backoff(retry-1)) {
				return nil, t.contextFailure(ctx, req, timeout, attempts, lastErr)
			}
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(sendCtx); err != nil {
				return nil, t.contextFailure(ctx, req, timeout, attempts, err)
			}
		}

		attempts++
		start := time.Now()
		resp, err := t.execute(sendCtx, req)
		elapsed := time.Since(start)

		if err != nil {
			if sendCtx.Err() != nil {
				t.observer.ObserveAttempt(method, ctxOutcome(ctx), elapsed)
				return nil, t.contextFailure(ctx, req, timeout, attempts, err)
			}
			t.observer.ObserveAttempt(method, OutcomeNetworkError, elapsed)
			lastErr, lastStatus = err, 0
			t.noteRetry(req, retry, classifyError(err), err.Error())
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= http.StatusInternalServerError:
			t.observer.ObserveAttempt(method, OutcomeServerError, elapsed)
			lastStatus = status
			lastErr = fmt.Errorf("server error status %d: %s", status, BodySnippet(resp.Body()))
			t.noteRetry(req, retry, fmt.Sprintf("status_%d", status), BodySnippet(resp.Body()))
			continue
		case status >= http.StatusBadRequest:
			t.observer.ObserveAttempt(method, OutcomeClientError, elapsed)
			return nil, &domain.ClientError{
				Method:     req.Method,
				Path:       req.Path,
				StatusCode: status,
				Body:       BodySnippet(resp.Body()),
			}
		}

		t.observer.ObserveAttempt(method, OutcomeOK, elapsed)
		return toResponse(resp), nil
	}

	return nil, &domain.TransportError{
		Method:     req.Method,
		Path:       req.Path,
		Attempts:   attempts,
		StatusCode: lastStatus,
		Err:        lastErr,
	}
}

// Close releases idle pooled connections.
func (t *Transport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	t.client.GetClient().CloseIdleConnections()
	return nil
}

func (t *Transport) execute(ctx context.Context, req domain.Request) (*resty.Response, error) {
	r := t.client.R().SetContext(ctx)
	if len(req.Params) > 0 {
		r.SetQueryParams(req.Params)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	return r.Execute(string(req.Method), req.Path)
}

// noteRetry reports a failed attempt that will be retried, if any retries remain.
func (t *Transport) noteRetry(req domain.Request, retry int, reason, detail string) {
	if retry >= t.maxRetries {
		return
	}
	t.observer.ObserveRetry(string(req.Method), reason)
	t.log.WarnObj("transport attempt failed; retrying", "transport_retry", map[string]any{
		"method": req.Method,
		"path":   req.Path,
		"retry":  retry + 1,
		"reason": reason,
		"detail": detail,
	})
}

// contextFailure maps an expired or cancelled context onto the error taxonomy.
// A caller cancellation is a TransportError; any deadline is a TimeoutError.
func (t *Transport) contextFailure(parent context.Context, req domain.Request, timeout time.Duration, attempts int, cause error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return &domain.TransportError{
			Method:   req.Method,
			Path:     req.Path,
			Attempts: attempts,
			Err:      context.Canceled,
		}
	}
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return &domain.TimeoutError{
		Method:   req.Method,
		Path:     req.Path,
		Timeout:  timeout,
		Attempts: attempts,
		Err:      errors.Join(context.DeadlineExceeded, cause),
	}
}

func ctxOutcome(parent context.Context) string {
	if errors.Is(parent.Err(), context.Canceled) {
		return OutcomeCanceled
	}
	return OutcomeTimeout
}

// backoff returns the wait before retry n+1: base*2^n capped at max, with optional jitter.
func (t *Transport) backoff(n int) time.Duration {
	d := t.baseBackoff
	for i := 0; i < n && d < t.maxBackoff; i++ {
		d *= 2
	}
	if d > t.maxBackoff {
		d = t.maxBackoff
	}
	if t.jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return d
}

func sleepWithBackoff(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func toResponse(resp *resty.Response) *domain.Response {
	out := &domain.Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
	}
	if h := resp.Header(); len(h) > 0 {
		out.Headers = make(map[string]string, len(h))
		for k, vals := range h {
			out.Headers[k] = strings.Join(vals, ", ")
		}
	}
	return out
}
