package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything a command needs to reach the mirror and the server.
type Config struct {
	Database string `yaml:"db"`
	Registry string `yaml:"registry"`

	// RemoteURL is the REST endpoint. Empty runs the CLI against the mirror
	// only: writes queue and reads fall back to local data.
	RemoteURL string `yaml:"remote_url"`
	APIKey    string `yaml:"api_key"`
	Token     string `yaml:"token"`

	// FeedURL selects the websocket change feed, FeedDSN the Postgres
	// LISTEN/NOTIFY one. At most one may be set.
	FeedURL     string `yaml:"feed_url"`
	FeedDSN     string `yaml:"feed_dsn"`
	FeedChannel string `yaml:"feed_channel"`

	// HealthURL is polled by run to track connectivity.
	HealthURL      string        `yaml:"health_url"`
	HealthInterval time.Duration `yaml:"health_interval"`

	SyncOnReconnect bool          `yaml:"sync_on_reconnect"`
	Retention       time.Duration `yaml:"retention"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Concurrency     int           `yaml:"concurrency"`
}

// DefaultDatabase is the mirror path when nothing else names one.
const DefaultDatabase = "fibersync.db"

// LoadConfig reads a YAML config file. Unknown keys are rejected so a typo
// does not silently fall back to a default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	// Relative paths in the file are relative to the file.
	base := filepath.Dir(path)
	if cfg.Database != "" && cfg.Database != ":memory:" && !filepath.IsAbs(cfg.Database) {
		cfg.Database = filepath.Join(base, cfg.Database)
	}
	if cfg.Registry != "" && !filepath.IsAbs(cfg.Registry) {
		cfg.Registry = filepath.Join(base, cfg.Registry)
	}
	return &cfg, nil
}

// ResolveConfig layers flags over FIBERSYNC_* variables over the config
// file over defaults.
func ResolveConfig(opts *RootOptions) (*Config, error) {
	cfg := &Config{}
	if path := firstNonEmpty(opts.ConfigPath, os.Getenv("FIBERSYNC_CONFIG")); path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.Database = firstNonEmpty(opts.Database, envOrDefault("FIBERSYNC_DB", cfg.Database), DefaultDatabase)
	cfg.Registry = firstNonEmpty(opts.Registry, envOrDefault("FIBERSYNC_REGISTRY", cfg.Registry))
	cfg.RemoteURL = envOrDefault("FIBERSYNC_REMOTE_URL", cfg.RemoteURL)
	cfg.APIKey = envOrDefault("FIBERSYNC_API_KEY", cfg.APIKey)
	cfg.Token = envOrDefault("FIBERSYNC_TOKEN", cfg.Token)
	cfg.FeedURL = envOrDefault("FIBERSYNC_FEED_URL", cfg.FeedURL)
	cfg.FeedDSN = envOrDefault("FIBERSYNC_FEED_DSN", cfg.FeedDSN)
	cfg.FeedChannel = envOrDefault("FIBERSYNC_FEED_CHANNEL", cfg.FeedChannel)
	cfg.HealthURL = envOrDefault("FIBERSYNC_HEALTH_URL", cfg.HealthURL)

	var err error
	if cfg.HealthInterval, err = durationEnv("FIBERSYNC_HEALTH_INTERVAL", cfg.HealthInterval); err != nil {
		return nil, err
	}
	if cfg.SyncOnReconnect, err = boolEnv("FIBERSYNC_SYNC_ON_RECONNECT", cfg.SyncOnReconnect); err != nil {
		return nil, err
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 15 * time.Second
	}

	if cfg.FeedURL != "" && cfg.FeedDSN != "" {
		return nil, errors.New("feed_url and feed_dsn are mutually exclusive")
	}
	if cfg.MaxAttempts < 0 || cfg.Concurrency < 0 || cfg.Retention < 0 {
		return nil, errors.New("max_attempts, concurrency and retention must not be negative")
	}
	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
