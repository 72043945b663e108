package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samvad-hq/samvad-dispatch/internal/app"
	"github.com/samvad-hq/samvad-dispatch/internal/config"
	"github.com/samvad-hq/samvad-dispatch/internal/logger"
	"github.com/samvad-hq/samvad-dispatch/internal/metrics"
	"github.com/samvad-hq/samvad-dispatch/pkg/client"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "cached, single-flight HTTP dispatch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "override BASE_URL",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override LOG_LEVEL",
			},
		},
		Commands: []*cli.Command{
			fetchCommand(),
			warmCommand(),
			purgeCommand(),
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "fetch PATH through the cache and print the body",
		UsageText: "dispatch fetch [--method GET] [--param k=v ...] PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "method",
				Usage: "GET, POST, PUT or DELETE",
				Value: http.MethodGet,
			},
			&cli.StringSliceFlag{
				Name:  "param",
				Usage: "query parameter as key=value (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "request header as key=value (repeatable)",
			},
			&cli.StringFlag{
				Name:  "body",
				Usage: "request body for POST/PUT",
			},
		},
		Action: fetchAction,
	}
}

func warmCommand() *cli.Command {
	return &cli.Command{
		Name:  "warm",
		Usage: "periodically re-fetch the configured endpoints and publish events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve prometheus metrics on this address (overrides METRICS_ADDR)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "run a single warm pass and exit",
			},
		},
		Action: warmAction,
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:   "purge",
		Usage:  "drop every cached response from the configured store",
		Action: purgeAction,
	}
}

// bootstrap loads config, applies root flag overrides and initialises logging.
func bootstrap(cmd *cli.Command) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if v := strings.TrimSpace(cmd.String("base-url")); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(cmd.String("log-level")); v != "" {
		cfg.LogLevel = v
	}

	log, err := logger.Init(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func fetchAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("fetch requires a PATH argument")
	}
	params, err := parsePairs(cmd.StringSlice("param"))
	if err != nil {
		return fmt.Errorf("--param: %w", err)
	}
	headers, err := parsePairs(cmd.StringSlice("header"))
	if err != nil {
		return fmt.Errorf("--header: %w", err)
	}

	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	c, err := client.NewFromConfig(cfg, nil, log)
	if err != nil {
		return err
	}
	defer c.Close()

	var body []byte
	if b := cmd.String("body"); b != "" {
		body = []byte(b)
	}
	req, err := dispatch.Build(cmd.String("method"), path, params, body)
	if err != nil {
		return err
	}
	req = dispatch.WithHeaders(req, headers)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	_, err = cmd.Root().Writer.Write(resp.Body)
	return err
}

func warmAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()
	if v := strings.TrimSpace(cmd.String("metrics-addr")); v != "" {
		cfg.MetricsAddr = v
	}

	log.InfoObj("warmer starting", "config", cfg)

	m := metrics.New()
	c, err := client.NewFromConfig(cfg, m, log)
	if err != nil {
		return err
	}
	defer c.Close()

	warmer, err := app.NewWarmer(ctx, cfg, c, m, log)
	if err != nil {
		log.ErrorObj("failed to initialize warmer", "error", err.Error())
		return err
	}

	if cmd.Bool("once") {
		return warmer.RunOnce(ctx)
	}

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, m, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := warmer.Run(ctx); err != nil {
		return fmt.Errorf("warmer run: %w", err)
	}
	return nil
}

func purgeAction(_ context.Context, cmd *cli.Command) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Close()

	c, err := client.NewFromConfig(cfg, nil, log)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Purge(); err != nil {
		return err
	}
	log.InfoObj("cache purged", "cache_meta", map[string]any{
		"type": cfg.CacheType,
		"path": cfg.BBoltPath,
	})
	return nil
}

func startMetricsServer(addr string, m *metrics.Metrics, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorObj("metrics server failed", "error", err.Error())
		}
	}()
	log.InfoObj("metrics server listening", "metrics_addr", addr)
	return srv
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		out[k] = v
	}
	return out, nil
}
