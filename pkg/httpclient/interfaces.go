package httpclient

import (
	"context"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

// Sender abstracts the transport so callers can inject fakes or different backends.
type Sender interface {
	Send(ctx context.Context, req domain.Request, timeout time.Duration) (*domain.Response, error)
}

// Observer receives per-attempt telemetry from the transport.
type Observer interface {
	ObserveAttempt(method string, outcome string, elapsed time.Duration)
	ObserveRetry(method string, reason string)
}

// Attempt outcomes reported to Observer.
const (
	OutcomeOK           = "ok"
	OutcomeClientError  = "client_error"
	OutcomeServerError  = "server_error"
	OutcomeNetworkError = "network_error"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
)

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, time.Duration) {}
func (nopObserver) ObserveRetry(string, string)                  {}
