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
	DBPath   string `envconfig:"DB_PATH" default:"bookhound.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	// Daily completed-download quota for the marketplace path.
	DailyDownloadLimit int `envconfig:"DAILY_DOWNLOAD_LIMIT" default:"25"`

	// Auto-selection of a single candidate when several match.
	AutoSelect       bool   `envconfig:"AUTO_SELECT" default:"true"`
	FormatPreference string `envconfig:"FORMAT_PREFERENCE" default:"epub,pdf,mobi,azw3"`
	MinMatchScore    int    `envconfig:"MIN_MATCH_SCORE" default:"50"`

	Marketplace struct {
		Mirrors         string        `split_words:"true"` // comma separated, prepended to defaults
		FastDownloadKey string        `split_words:"true"`
		SearchTimeout   time.Duration `split_words:"true" default:"30s"`
		DownloadTimeout time.Duration `split_words:"true" default:"5m"`
	}

	Prowlarr struct {
		BaseURL             string `split_words:"true"`
		APIKey              string `envconfig:"PROWLARR_API_KEY"`
		BookCategories      string `split_words:"true" default:"7000,7020"`
		AudiobookCategories string `split_words:"true" default:"3030"`
		SearchLimit         int    `split_words:"true" default:"100"`
	}

	Sabnzbd struct {
		BaseURL  string `split_words:"true"`
		APIKey   string `envconfig:"SABNZBD_API_KEY"`
		Category string `split_words:"true" default:"books"`
		Priority int    `split_words:"true" default:"0"`
	}

	Poller struct {
		StartupDelay time.Duration `split_words:"true" default:"10s"`
		Interval     time.Duration `split_words:"true" default:"30s"`
	}

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"bookhound"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8286"`
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

	// envconfig only rejects absent required variables, not empty ones.
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	return &cfg, nil
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

// FormatOrder returns the configured format preference as an ordered slice.
func (c *Config) FormatOrder() []string {
	return splitList(c.FormatPreference)
}

// MarketplaceMirrors returns operator-configured mirror domains, in order.
func (c *Config) MarketplaceMirrors() []string {
	return splitList(c.Marketplace.Mirrors)
}

// BookCategoryCodes returns the aggregator category codes for books.
func (c *Config) BookCategoryCodes() []string {
	return splitList(c.Prowlarr.BookCategories)
}

// AudiobookCategoryCodes returns the aggregator category codes for audiobooks.
func (c *Config) AudiobookCategoryCodes() []string {
	return splitList(c.Prowlarr.AudiobookCategories)
}

func splitList(raw string) []string {
	var out []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
