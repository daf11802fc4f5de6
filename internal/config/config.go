// Package config loads era fetcher configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
)

// TokenEnv is the environment variable holding the streaming provider
// credential. The token is passed through to the provider unmodified and
// never written to config files or logs.
const TokenEnv = "SUBSTREAMS_API_TOKEN"

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	Token source.Credential `yaml:"-"`
}

type SourceConfig struct {
	Mode      string `yaml:"mode"` // "stream" | "archive"
	StreamURL string `yaml:"stream_url"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "blob"
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

type FetchConfig struct {
	Workers         int  `yaml:"workers"`
	MaxWriteBacklog int  `yaml:"max_write_backlog"`
	MaxAttempts     int  `yaml:"max_attempts"`
	BackoffMs       int  `yaml:"backoff_ms"`
	MaxBackoffMs    int  `yaml:"max_backoff_ms"`
	BlocksPerEra    int  `yaml:"blocks_per_era"`
	Overwrite       bool `yaml:"overwrite"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.Token = source.Credential(os.Getenv(TokenEnv))
	return cfg, nil
}

func defaults() Config {
	return Config{
		Source: SourceConfig{
			Mode: "stream",
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		Fetch: FetchConfig{
			Workers:      4,
			MaxAttempts:  3,
			BackoffMs:    1000,
			MaxBackoffMs: 30000,
			BlocksPerEra: era.BlocksPerEra,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Source.Mode, "SOURCE_MODE")
	setString(&cfg.Source.StreamURL, "STREAM_URL")
	setString(&cfg.Source.Bucket, "SOURCE_BUCKET")
	setString(&cfg.Source.Prefix, "SOURCE_PREFIX")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	setString(&cfg.Storage.Prefix, "STORAGE_PREFIX")

	setInt(&cfg.Fetch.Workers, "MAX_IN_FLIGHT_ERAS")
	setInt(&cfg.Fetch.MaxWriteBacklog, "MAX_WRITE_BACKLOG")
	setInt(&cfg.Fetch.MaxAttempts, "MAX_ATTEMPTS")
	setInt(&cfg.Fetch.BackoffMs, "BACKOFF_MS")
	setInt(&cfg.Fetch.MaxBackoffMs, "MAX_BACKOFF_MS")
	setInt(&cfg.Fetch.BlocksPerEra, "BLOCKS_PER_ERA")
	setBool(&cfg.Fetch.Overwrite, "ALLOW_OVERWRITE")

	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setString(&cfg.Metrics.Address, "METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
