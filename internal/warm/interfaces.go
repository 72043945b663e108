package warm

import (
	"context"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/pkg/publishers"
)

// Fetcher re-fetches a request and replaces any cached response for it.
type Fetcher interface {
	Refresh(ctx context.Context, req domain.Request) (*domain.Response, error)
}

// EventPublisher publishes warm events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}

// Observer counts warm requests per endpoint.
type Observer interface {
	ObserveWarm(endpoint, status string)
}
