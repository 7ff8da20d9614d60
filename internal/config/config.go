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
	SaveDir string `envconfig:"SAVE_DIR" required:"true"`
	DBPath  string `envconfig:"DB_PATH" default:"downloads.db"`

	MaxConcurrent    int           `envconfig:"MAX_CONCURRENT" default:"3"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"65536"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	ChunkTimeout     time.Duration `envconfig:"CHUNK_TIMEOUT" default:"30s"`
	AttemptTimeout   time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"300s"`
	DiskSafetyMargin int64         `envconfig:"DISK_SAFETY_MARGIN" default:"104857600"`
	PurgeAfterDays   int           `envconfig:"PURGE_AFTER_DAYS" default:"0"`
	PurgeInterval    time.Duration `envconfig:"PURGE_INTERVAL" default:"1h"`
	ThrottleBPS      int64         `envconfig:"THROTTLE_BPS" default:"0"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9090"`
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

// PurgeEnabled reports whether retention-based ledger purging is opted into.
func (c *Config) PurgeEnabled() bool {
	return c.PurgeAfterDays > 0
}

// ThrottleEnabled reports whether per-download bandwidth throttling is
// opted into; 0 (the default) means unlimited.
func (c *Config) ThrottleEnabled() bool {
	return c.ThrottleBPS > 0
}
