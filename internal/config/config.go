// Package config handles application configuration from a YAML file with
// environment variable overrides for secrets and paths.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML decoding of values like "30s".
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Retry configures one backoff policy.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
}

// Config holds the application configuration.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`

	Feed struct {
		URL          string   `yaml:"url"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"feed"`

	Engine struct {
		Workers              int      `yaml:"workers"`
		FetchRetry           Retry    `yaml:"fetch_retry"`
		DeliveryRetry        Retry    `yaml:"delivery_retry"`
		FilterErrorThreshold int      `yaml:"filter_error_threshold"`
		PendingTTL           Duration `yaml:"pending_ttl"`
		LeaseTTL             Duration `yaml:"lease_ttl"`
	} `yaml:"engine"`

	Quota struct {
		DefaultTier string           `yaml:"default_tier"`
		Tiers       map[string]int   `yaml:"tiers"`
		UserTiers   map[int64]string `yaml:"user_tiers"`
	} `yaml:"quota"`

	// Expansions is the keyword → synonym/variant table consumed by
	// expanded-mode filters.
	Expansions map[string][]string `yaml:"expansions"`

	// TelegramBotToken comes from the environment only.
	TelegramBotToken string `yaml:"-"`
}

// Load reads configuration from the given YAML file and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "./data/tenderwatch.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = Duration(5 * time.Minute)
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 8
	}
	if c.Engine.FetchRetry.MaxAttempts == 0 {
		c.Engine.FetchRetry.MaxAttempts = 3
	}
	if c.Engine.FetchRetry.BaseDelay == 0 {
		c.Engine.FetchRetry.BaseDelay = Duration(2 * time.Second)
	}
	if c.Engine.DeliveryRetry.MaxAttempts == 0 {
		c.Engine.DeliveryRetry.MaxAttempts = 2
	}
	if c.Engine.DeliveryRetry.BaseDelay == 0 {
		c.Engine.DeliveryRetry.BaseDelay = Duration(time.Second)
	}
	if c.Engine.FilterErrorThreshold == 0 {
		c.Engine.FilterErrorThreshold = 5
	}
	if c.Engine.PendingTTL == 0 {
		c.Engine.PendingTTL = Duration(time.Hour)
	}
	if c.Engine.LeaseTTL == 0 {
		c.Engine.LeaseTTL = Duration(10 * time.Minute)
	}
	if c.Quota.DefaultTier == "" {
		c.Quota.DefaultTier = "free"
	}
	if len(c.Quota.Tiers) == 0 {
		c.Quota.Tiers = map[string]int{"free": 10}
	}
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q is not in quota.tiers", c.Quota.DefaultTier)
	}
	for t, limit := range c.Quota.Tiers {
		if limit <= 0 {
			return fmt.Errorf("quota.tiers[%s] must be positive, got %d", t, limit)
		}
	}
	if c.Engine.Workers < 1 || c.Engine.Workers > 64 {
		return fmt.Errorf("engine.workers must be in [1, 64], got %d", c.Engine.Workers)
	}
	return nil
}
