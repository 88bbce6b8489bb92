// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Registry RegistryConfig `mapstructure:"registry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig governs credential hashing and bearer tokens.
type AuthConfig struct {
	Secret          string `mapstructure:"secret"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// ScraperConfig governs the worker pool and fetch pipeline.
type ScraperConfig struct {
	Workers             int    `mapstructure:"workers"`
	ItemConcurrency     int    `mapstructure:"item_concurrency"`
	QueueDepth          int    `mapstructure:"queue_depth"`
	UserAgent           string `mapstructure:"user_agent"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	MaxRetries          int    `mapstructure:"max_retries"`
	BackoffInitialMs    int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
}

// RegistryConfig controls retention of terminal jobs.
type RegistryConfig struct {
	RetentionHours       int `mapstructure:"retention_hours"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// StorageConfig selects and configures the persistence provider.
type StorageConfig struct {
	Provider      string `mapstructure:"provider"`
	DSN           string `mapstructure:"dsn"`
	UsersTable    string `mapstructure:"users_table"`
	MetadataTable string `mapstructure:"metadata_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl_minutes", 300)
	v.SetDefault("scraper.workers", 4)
	v.SetDefault("scraper.item_concurrency", 5)
	v.SetDefault("scraper.queue_depth", 64)
	v.SetDefault("scraper.user_agent", "resolute-scraper/1.0")
	v.SetDefault("scraper.fetch_timeout_seconds", 5)
	v.SetDefault("scraper.max_retries", 0)
	v.SetDefault("scraper.backoff_initial_ms", 250)
	v.SetDefault("scraper.backoff_max_ms", 2000)
	v.SetDefault("registry.retention_hours", 24)
	v.SetDefault("registry.sweep_interval_minutes", 10)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.users_table", "users")
	v.SetDefault("storage.metadata_table", "metadata")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be > 0")
	}
	if c.Scraper.Workers <= 0 {
		return fmt.Errorf("scraper.workers must be > 0")
	}
	if c.Scraper.ItemConcurrency <= 0 {
		return fmt.Errorf("scraper.item_concurrency must be > 0")
	}
	if c.Scraper.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.fetch_timeout_seconds must be > 0")
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when storage.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	return nil
}

// FetchTimeout returns the per-item fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.FetchTimeoutSeconds) * time.Second
}

// TokenTTL returns the bearer token validity window.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// Retention returns how long terminal jobs are kept; zero disables eviction.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Registry.RetentionHours) * time.Hour
}

// SweepInterval returns how often the registry janitor runs.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepIntervalMinutes) * time.Minute
}
