// Package config loads broker configuration from an optional YAML file, a
// .env file, and environment variables. Precedence: environment over YAML
// over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full broker configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Storage  StorageConfig  `yaml:"storage"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP surface options.
type ServerConfig struct {
	Port           string `yaml:"port"`
	MasterKey      string `yaml:"master_key"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// UpstreamConfig holds the provider API options.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// StorageConfig selects the durable KV backend.
type StorageConfig struct {
	// Type is one of memory, sqlite, postgresql, mongodb, redis.
	Type string `yaml:"type"`
	// DSN is the backend connection string; for sqlite it is the file path.
	DSN string `yaml:"dsn"`
}

// LimiterConfig holds the local admission budgets.
type LimiterConfig struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// LedgerConfig tunes crash recovery.
type LedgerConfig struct {
	Lease         time.Duration `yaml:"lease"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig tunes queue fairness.
type DispatchConfig struct {
	ActiveWeight int `yaml:"active_weight"`
}

// LoggingConfig selects handler and verbosity.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			MetricsEnabled: true,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com",
		},
		Storage: StorageConfig{
			Type: "sqlite",
			DSN:  "data/modelbroker.db",
		},
		Limiter: LimiterConfig{
			RPM: 500,
			TPM: 200_000,
		},
		Ledger: LedgerConfig{
			Lease:         90 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			ActiveWeight: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips the file layer. A .env file in the working directory is
// loaded first so environment overrides see it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("PORT", &cfg.Server.Port)
	envString("MASTER_KEY", &cfg.Server.MasterKey)
	envBool("METRICS_ENABLED", &cfg.Server.MetricsEnabled)

	envString("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	envString("OPENAI_API_KEY", &cfg.Upstream.APIKey)

	envString("STORAGE_TYPE", &cfg.Storage.Type)
	envString("STORAGE_DSN", &cfg.Storage.DSN)

	envInt("LIMITER_RPM", &cfg.Limiter.RPM)
	envInt("LIMITER_TPM", &cfg.Limiter.TPM)

	envDuration("LEDGER_LEASE", &cfg.Ledger.Lease)
	envDuration("LEDGER_SWEEP_INTERVAL", &cfg.Ledger.SweepInterval)

	envInt("DISPATCH_ACTIVE_WEIGHT", &cfg.Dispatch.ActiveWeight)

	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)
}

func envString(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envBool(key string, out *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*out = b
		}
	}
}

func envDuration(key string, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*out = d
		}
	}
}
