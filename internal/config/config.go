package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	BaseURL          string        `mapstructure:"base_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeoutMs int64         `mapstructure:"request_timeout_ms"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBaseMs    int64         `mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int64         `mapstructure:"backoff_max_ms"`
	BackoffJitter    bool          `mapstructure:"backoff_jitter"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst"`
	RequestTimeout   time.Duration `mapstructure:"-"`
	BackoffBase      time.Duration `mapstructure:"-"`
	BackoffMax       time.Duration `mapstructure:"-"`

	CacheType            string        `mapstructure:"cache_type"`
	BBoltPath            string        `mapstructure:"bbolt_path"`
	CacheTTLSeconds      int64         `mapstructure:"cache_ttl_seconds"`
	CacheCleanupSeconds  int64         `mapstructure:"cache_cleanup_interval_seconds"`
	CacheTTL             time.Duration `mapstructure:"-"`
	CacheCleanupInterval time.Duration `mapstructure:"-"`

	EndpointsFile      string        `mapstructure:"endpoints_file"`
	PublishersFile     string        `mapstructure:"publishers_file"`
	WarmIntervalSecond int64         `mapstructure:"warm_interval"`
	WarmInterval       time.Duration `mapstructure:"-"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("app_name", "samvad-dispatch")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("user_agent", "samvad-dispatch/1.0")
	v.SetDefault("request_timeout_ms", 10000)
	v.SetDefault("max_retries", 3)
	v.SetDefault("backoff_base_ms", 100)
	v.SetDefault("backoff_max_ms", 2000)
	v.SetDefault("backoff_jitter", true)
	v.SetDefault("rate_limit_rps", 0.0)
	v.SetDefault("rate_limit_burst", 1)

	v.SetDefault("cache_type", "memory")
	v.SetDefault("bbolt_path", "./data/responses.db")
	v.SetDefault("cache_ttl_seconds", 300)
	v.SetDefault("cache_cleanup_interval_seconds", 600)

	v.SetDefault("endpoints_file", "./configs/endpoints.yaml")
	v.SetDefault("publishers_file", "")
	v.SetDefault("warm_interval", 60) // seconds
	v.SetDefault("metrics_addr", "")

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q (must be an absolute http(s) url)", cfg.BaseURL)
	}

	if cfg.RequestTimeoutMs <= 0 {
		return nil, fmt.Errorf("invalid request_timeout_ms (must be positive milliseconds)")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid max_retries (must not be negative)")
	}
	if cfg.BackoffBaseMs <= 0 || cfg.BackoffMaxMs <= 0 {
		return nil, fmt.Errorf("invalid backoff_base_ms/backoff_max_ms (must be positive milliseconds)")
	}
	if cfg.BackoffMaxMs < cfg.BackoffBaseMs {
		return nil, fmt.Errorf("invalid backoff_max_ms (must be >= backoff_base_ms)")
	}
	if cfg.RateLimitRPS < 0 {
		return nil, fmt.Errorf("invalid rate_limit_rps (must not be negative)")
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	cfg.BackoffBase = time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	cfg.BackoffMax = time.Duration(cfg.BackoffMaxMs) * time.Millisecond

	if cfg.CacheTTLSeconds <= 0 {
		return nil, fmt.Errorf("invalid cache_ttl_seconds (must be positive seconds)")
	}
	if cfg.CacheCleanupSeconds <= 0 {
		return nil, fmt.Errorf("invalid cache_cleanup_interval_seconds (must be positive seconds)")
	}
	cfg.CacheTTL = time.Duration(cfg.CacheTTLSeconds) * time.Second
	cfg.CacheCleanupInterval = time.Duration(cfg.CacheCleanupSeconds) * time.Second

	if cfg.WarmIntervalSecond <= 0 {
		return nil, fmt.Errorf("invalid warm_interval (must be positive seconds)")
	}
	cfg.WarmInterval = time.Duration(cfg.WarmIntervalSecond) * time.Second

	return &cfg, nil
}
