package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Queue     QueueConfig     `env:", prefix=QUEUE_"`
	Database  DatabaseConfig  `env:", prefix=DB_"`
	Log       LogConfig       `env:", prefix=LOG_"`
	Migration MigrationConfig `env:", prefix=MIGRATION_"`

	APIAddr  string `env:"API_ADDR, default=:8080"`
	FilesDir string `env:"FILES_DIR, default=./files"`
}

type QueueConfig struct {
	// BrokerURL selects the distributed backend. Empty means in-memory.
	BrokerURL         string        `env:"BROKER_URL"`
	BrokerRetries     int           `env:"BROKER_RETRIES, default=3"`
	BrokerRetryDelay  time.Duration `env:"BROKER_RETRY_DELAY, default=1s"`
	AllowFallback     bool          `env:"ALLOW_FALLBACK, default=true"`
	MaxConcurrent     int           `env:"MAX_CONCURRENT, default=2"`
	PollInterval      time.Duration `env:"POLL_INTERVAL, default=500ms"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL, default=5s"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION, default=30s"`
	RetainCompleted   int           `env:"RETAIN_COMPLETED, default=1000"`
	CompletedTTL      time.Duration `env:"COMPLETED_TTL, default=24h"`
	EventBuffer       int           `env:"EVENT_BUFFER, default=64"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s"`
	KeyPrefix         string        `env:"KEY_PREFIX, default=jobrunner"`
}

type DatabaseConfig struct {
	Driver     string        `env:"DRIVER, default=sqlite"`
	DSN        string        `env:"DSN, default=jobrunner.db"`
	MaxRetries int           `env:"MAX_RETRIES, default=10"`
	RetryDelay time.Duration `env:"RETRY_DELAY, default=2s"`
	LogLevel   string        `env:"LOG_LEVEL, default=warn"`
}

type LogConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=auto"`
}

type MigrationConfig struct {
	LockFile    string        `env:"LOCK_FILE"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT, default=2m"`
}

// BrokerKind reports which backend the broker URL selects.
func (q QueueConfig) BrokerKind() string {
	if strings.TrimSpace(q.BrokerURL) == "" {
		return BrokerMemory
	}
	u, err := url.Parse(q.BrokerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "redis", "rediss":
		return BrokerRedis
	case "postgres", "postgresql":
		return BrokerPostgres
	}
	return ""
}

const (
	BrokerMemory   = "memory"
	BrokerRedis    = "redis"
	BrokerPostgres = "postgres"
)

// to help with testing
var envProcess = envconfig.Process

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	var errors []string

	if cfg.Queue.BrokerKind() == "" {
		errors = append(errors, "QUEUE_BROKER_URL must use redis://, rediss://, postgres:// or postgresql://")
	}

	if cfg.Queue.MaxConcurrent < 1 {
		errors = append(errors, "QUEUE_MAX_CONCURRENT must be at least 1")
	}

	if cfg.Queue.PollInterval <= 0 {
		errors = append(errors, "QUEUE_POLL_INTERVAL must be positive")
	}

	if cfg.Queue.HeartbeatInterval <= 0 {
		errors = append(errors, "QUEUE_HEARTBEAT_INTERVAL must be positive")
	}

	if cfg.Queue.LeaseDuration <= cfg.Queue.HeartbeatInterval {
		errors = append(errors, "QUEUE_LEASE_DURATION must exceed QUEUE_HEARTBEAT_INTERVAL")
	}

	if cfg.Queue.RetainCompleted < 0 {
		errors = append(errors, "QUEUE_RETAIN_COMPLETED must be non-negative")
	}

	if cfg.Queue.BrokerRetries < 0 {
		errors = append(errors, "QUEUE_BROKER_RETRIES must be non-negative")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errors = append(errors, "DB_DRIVER must be sqlite or postgres")
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		errors = append(errors, "DB_DSN is required")
	}

	if cfg.Database.MaxRetries < 0 {
		errors = append(errors, "DB_MAX_RETRIES must be non-negative")
	}

	if cfg.Database.RetryDelay <= 0 {
		errors = append(errors, "DB_RETRY_DELAY must be positive")
	}

	if cfg.Database.RetryDelay > 10*time.Minute {
		errors = append(errors, "DB_RETRY_DELAY must not exceed 10 minutes")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "auto", "json", "console":
	default:
		errors = append(errors, "LOG_FORMAT must be auto, json or console")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}
