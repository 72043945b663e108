package warm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
	"github.com/samvad-hq/samvad-dispatch/pkg/endpoints"
	"github.com/samvad-hq/samvad-dispatch/pkg/payload"
	"github.com/samvad-hq/samvad-dispatch/pkg/publishers"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Service runs one warm pass over a set of endpoints.
type Service struct {
	fetcher   Fetcher
	publisher EventPublisher
	observer  Observer
	log       logger.Logger
}

// NewService wires a warm pass. publisher and observer may be nil.
func NewService(fetcher Fetcher, publisher EventPublisher, observer Observer, log logger.Logger) *Service {
	return &Service{
		fetcher:   fetcher,
		publisher: publisher,
		observer:  observer,
		log:       logger.Ensure(log),
	}
}

// Run fetches every endpoint in order and publishes one event per endpoint.
// A failing endpoint does not stop the pass; failures are joined.
func (s *Service) Run(ctx context.Context, eps []endpoints.Endpoint) error {
	if s == nil || s.fetcher == nil {
		return fmt.Errorf("warm service is not initialized")
	}
	if len(eps) == 0 {
		return fmt.Errorf("no endpoints configured for warming")
	}

	var errs []error
	for i, ep := range eps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := s.runEndpoint(ctx, ep); err != nil {
			errs = append(errs, err)
			s.log.ErrorObj("endpoint warm failed", "warm_error", map[string]any{
				"endpoint_id": ep.ID,
				"error":       err.Error(),
				"retryable":   domain.Retryable(err),
			})
		}

		if delay := ep.RequestDelay(); delay > 0 && i < len(eps)-1 {
			if !sleep(ctx, delay) {
				errs = append(errs, ctx.Err())
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) runEndpoint(ctx context.Context, ep endpoints.Endpoint) error {
	req, err := ep.Request()
	if err != nil {
		return fmt.Errorf("build request for endpoint %s: %w", ep.ID, err)
	}

	var (
		extracted string
		errs      []error
	)
	start := time.Now()
	resp, fetchErr := s.fetcher.Refresh(ctx, req)
	if fetchErr != nil {
		errs = append(errs, fmt.Errorf("fetch endpoint %s: %w", ep.ID, fetchErr))
	} else if ep.Extract != "" {
		extracted, err = payload.Extract(resp, ep.Extract)
		if err != nil {
			errs = append(errs, fmt.Errorf("extract %q for endpoint %s: %w", ep.Extract, ep.ID, err))
		}
	}

	s.observe(ep.ID, fetchErr)

	evt := publishers.NewEvent(ep.ID, req, resp, extracted, fetchErr)
	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish event for endpoint %s: %w", ep.ID, err))
		}
	}

	if fetchErr == nil {
		s.log.InfoObj("endpoint warmed", "warm_result", map[string]any{
			"endpoint_id": ep.ID,
			"status":      evt.StatusCode,
			"bytes":       evt.Bytes,
			"extracted":   extracted,
			"elapsed_ms":  time.Since(start).Milliseconds(),
		})
	}
	return errors.Join(errs...)
}

func (s *Service) observe(id string, err error) {
	if s.observer == nil {
		return
	}
	status := statusOK
	if err != nil {
		status = statusError
	}
	s.observer.ObserveWarm(id, status)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
