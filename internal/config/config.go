package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/Martian-dev/mailmirror/internal/logging"
)

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	// Path of the mirror database file.
	Path string `toml:"path"`
}

type SyncConfig struct {
	PageSize         int    `toml:"page_size"`
	FetchConcurrency int    `toml:"fetch_concurrency"`
	MaxRetries       int    `toml:"max_retries"`
	InitialBackoff   string `toml:"initial_backoff"`
	MaxBackoff       string `toml:"max_backoff"`
	RateWindow       int    `toml:"rate_window"` // number of page samples in the rate average
}

type BulkConfig struct {
	Concurrency int `toml:"concurrency"`
	MaxTargets  int `toml:"max_targets"` // cap on ids resolved from a filter
}

type ExplorerConfig struct {
	BrowseLimit  int `toml:"browse_limit"`
	CleanupLimit int `toml:"cleanup_limit"`
	MaxLimit     int `toml:"max_limit"`
}

type AuthConfig struct {
	ServerURL string `toml:"server_url"` // BetterAuth base URL for provider tokens
	JWKSURL   string `toml:"jwks_url"`
}

type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

type NATSConfig struct {
	URL         string `toml:"url"` // empty disables event publishing
	Stream      string `toml:"stream"`
	Interval    string `toml:"dispatch_interval"`
	MaxAge      string `toml:"max_age"`
	DedupWindow string `toml:"dedup_window"` // JetStream duplicate window for event ids
	Replicas    int    `toml:"replicas"`
}

// Config is the full service configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Sync     SyncConfig     `toml:"sync"`
	Bulk     BulkConfig     `toml:"bulk"`
	Explorer ExplorerConfig `toml:"explorer"`
	Auth     AuthConfig     `toml:"auth"`
	Google   GoogleConfig   `toml:"google"`
	NATS     NATSConfig     `toml:"nats"`
	Logging  logging.Config `toml:"logging"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{Path: "data/mirror.db"},
		Sync: SyncConfig{
			PageSize:         100,
			FetchConcurrency: 10,
			MaxRetries:       5,
			InitialBackoff:   "1s",
			MaxBackoff:       "30s",
			RateWindow:       10,
		},
		Bulk:     BulkConfig{Concurrency: 8, MaxTargets: 10000},
		Explorer: ExplorerConfig{BrowseLimit: 50, CleanupLimit: 200, MaxLimit: 1000},
		Auth:     AuthConfig{ServerURL: "http://localhost:3000"},
		NATS:     NATSConfig{Stream: "MAILMIRROR_EVENTS", Interval: "500ms", MaxAge: "720h", DedupWindow: "10m", Replicas: 1},
		Logging:  logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads .env (if present), the TOML file at path (if non-empty), then
// applies environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("MAILMIRROR_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Server.Addr = getEnv("MAILMIRROR_ADDR", cfg.Server.Addr)
	cfg.Storage.Path = getEnv("MAILMIRROR_DB", cfg.Storage.Path)
	cfg.Sync.PageSize = getEnvInt("MAILMIRROR_PAGE_SIZE", cfg.Sync.PageSize)
	cfg.Bulk.Concurrency = getEnvInt("MAILMIRROR_BULK_CONCURRENCY", cfg.Bulk.Concurrency)
	cfg.Auth.ServerURL = getEnv("BETTERAUTH_URL", cfg.Auth.ServerURL)
	cfg.Auth.JWKSURL = getEnv("JWKS_URL", cfg.Auth.JWKSURL)
	cfg.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks value ranges and duration syntax
func (c Config) Validate() error {
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 500 {
		return fmt.Errorf("sync.page_size must be in 1..500, got %d", c.Sync.PageSize)
	}
	if c.Sync.FetchConcurrency <= 0 {
		return fmt.Errorf("sync.fetch_concurrency must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.Stream == "" {
		return fmt.Errorf("nats.stream is required when nats.url is set")
	}
	if c.Bulk.Concurrency <= 0 {
		return fmt.Errorf("bulk.concurrency must be positive")
	}
	for name, v := range map[string]string{
		"sync.initial_backoff":   c.Sync.InitialBackoff,
		"sync.max_backoff":       c.Sync.MaxBackoff,
		"nats.dispatch_interval": c.NATS.Interval,
		"nats.max_age":           c.NATS.MaxAge,
		"nats.dedup_window":      c.NATS.DedupWindow,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration already checked by Validate, falling back to def
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
