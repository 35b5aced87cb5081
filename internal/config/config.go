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
	DownloadDir         string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxDownloads        int           `envconfig:"MAX_DOWNLOADS" default:"3"`
	MaxDownloadsEnabled bool          `envconfig:"MAX_DOWNLOADS_ENABLED" default:"true"`
	PartialRetention    time.Duration `envconfig:"PARTIAL_RETENTION" default:"24h"`
	CleanupInterval     time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL   string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"episode_downloader"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxDownloads < 0 {
		return nil, fmt.Errorf("MAX_DOWNLOADS must not be negative, got %d", cfg.MaxDownloads)
	}

	return &cfg, nil
}

// ConcurrencyLimit returns the configured download limit, 0 (unlimited) when
// limiting is disabled.
func (c *Config) ConcurrencyLimit() int {
	if !c.MaxDownloadsEnabled {
		return 0
	}

	return c.MaxDownloads
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
