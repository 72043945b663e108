package app

import (
	"context"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/config"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
	"github.com/samvad-hq/samvad-dispatch/internal/warm"
	"github.com/samvad-hq/samvad-dispatch/pkg/endpoints"
	"github.com/samvad-hq/samvad-dispatch/pkg/publishers"
)

// Warmer is the cache warming runtime. It re-fetches every enabled endpoint
// on an interval so hot responses stay cached, and reports each fetch to the
// configured publishers.
type Warmer struct {
	endpoints []endpoints.Endpoint
	fanout    *publishers.Fanout
	service   *warm.Service
	interval  time.Duration
	log       logger.Logger
}

// NewWarmer builds a warmer from the endpoints and publishers files named in cfg.
// The publishers file is optional.
func NewWarmer(ctx context.Context, cfg *config.Config, fetcher warm.Fetcher, obs warm.Observer, log logger.Logger) (*Warmer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}

	endpointReg, err := endpoints.Load(cfg.EndpointsFile)
	if err != nil {
		return nil, fmt.Errorf("load endpoints registry: %w", err)
	}
	enabled := endpointReg.Enabled()
	ids := make([]string, 0, len(enabled))
	for _, ep := range enabled {
		ids = append(ids, ep.ID)
	}
	log.InfoObj("endpoints registry loaded", "endpoints_meta", map[string]any{
		"count":   len(endpointReg.All()),
		"enabled": ids,
	})

	fanout, err := loadFanout(ctx, cfg.PublishersFile, log)
	if err != nil {
		return nil, err
	}

	var publisher warm.EventPublisher
	if fanout.Size() > 0 {
		publisher = fanout
	}

	return &Warmer{
		endpoints: enabled,
		fanout:    fanout,
		service:   warm.NewService(fetcher, publisher, obs, log),
		interval:  cfg.WarmInterval,
		log:       log,
	}, nil
}

func loadFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if path == "" {
		log.InfoObj("no publishers file configured; warm events are not published", "publishers_meta", nil)
		return publishers.NewFanout(nil), nil
	}

	publisherReg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := publisherReg.Enabled()
	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Run warms once immediately, then on every interval until ctx is cancelled.
func (w *Warmer) Run(ctx context.Context) error {
	if w == nil || w.service == nil {
		return fmt.Errorf("warmer is not initialized")
	}
	defer w.closeFanout()

	if len(w.endpoints) == 0 {
		w.log.WarnObj("no enabled endpoints; warmer idle", "warmer_state", nil)
		<-ctx.Done()
		return nil
	}

	w.log.InfoObj("warm loop starting", "warmer_state", map[string]any{
		"endpoints_count":  len(w.endpoints),
		"publishers_count": w.fanout.Size(),
		"warm_interval":    w.interval.String(),
	})

	if err := w.RunOnce(ctx); err != nil {
		w.log.ErrorObj("initial warm failed", "error", err.Error())
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.InfoObj("warm loop exiting", "reason", ctx.Err().Error())
			return nil
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.log.ErrorObj("scheduled warm failed", "error", err.Error())
			}
		}
	}
}

// RunOnce performs a single warm pass across all enabled endpoints.
func (w *Warmer) RunOnce(ctx context.Context) error {
	start := time.Now()
	w.log.InfoObj("warm started", "warm_meta", map[string]any{
		"endpoints_count": len(w.endpoints),
		"started_at":      start.UTC(),
	})
	if err := w.service.Run(ctx, w.endpoints); err != nil {
		return err
	}
	w.log.InfoObj("warm completed", "warm_meta", map[string]any{
		"endpoints_count": len(w.endpoints),
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
	return nil
}

func (w *Warmer) closeFanout() {
	if err := w.fanout.Close(); err != nil {
		w.log.ErrorObj("publisher close failed", "error", err.Error())
	}
}
