package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CatalogURLs []string `envconfig:"CATALOG_URLS" required:"true"`
	CacheDir    string   `envconfig:"CACHE_DIR" default:"cache"`
	DBPath      string   `envconfig:"DB_PATH" default:"content.db"`
	AccessToken string   `envconfig:"ACCESS_TOKEN"`

	// TransferCeiling is the platform transfer-concurrency ceiling the
	// per-priority caps derive from.
	TransferCeiling  int            `envconfig:"TRANSFER_CEILING" default:"5"`
	PriorityCaps     map[string]int `envconfig:"PRIORITY_CAPS"`
	ProgressInterval time.Duration  `envconfig:"PROGRESS_INTERVAL" default:"250ms"`
	TransferTimeout  time.Duration  `envconfig:"TRANSFER_TIMEOUT" default:"10m"`

	KeepCachedFor   time.Duration `envconfig:"KEEP_CACHED_FOR" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"content_delivery"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if len(cfg.CatalogURLs) == 0 {
		return nil, fmt.Errorf("CATALOG_URLS must list at least one catalog")
	}

	if cfg.TransferCeiling < 1 {
		return nil, fmt.Errorf("TRANSFER_CEILING must be at least 1, got %d", cfg.TransferCeiling)
	}

	for name, limit := range cfg.PriorityCaps {
		if limit < 0 {
			return nil, fmt.Errorf("PRIORITY_CAPS: cap for %s must not be negative", name)
		}
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
