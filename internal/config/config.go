// Package config loads runtime configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every recognized option. Anything not bound here is
// explicitly unrecognized.
type Config struct {
	// Listeners
	Addr      string `env:"PUBSUB_ADDR" envDefault:":7070"`
	AdminAddr string `env:"PUBSUB_ADMIN_ADDR" envDefault:":7071"`

	// Broker defaults
	HistoryCapacity int `env:"PUBSUB_HISTORY_CAPACITY" envDefault:"100"`
	QueueCapacity   int `env:"PUBSUB_QUEUE_CAPACITY" envDefault:"64"`
	MaxPayloadBytes int `env:"PUBSUB_MAX_PAYLOAD" envDefault:"1048576"`

	// Caps
	MaxTopics        int `env:"PUBSUB_MAX_TOPICS" envDefault:"1024"`
	MaxSubscriptions int `env:"PUBSUB_MAX_SUBSCRIPTIONS" envDefault:"256"`
	MaxSessions      int `env:"PUBSUB_MAX_SESSIONS" envDefault:"10000"`

	// Session behaviour
	SessionBuffer int           `env:"PUBSUB_SESSION_BUFFER" envDefault:"256"`
	WriteTimeout  time.Duration `env:"PUBSUB_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout   time.Duration `env:"PUBSUB_IDLE_TIMEOUT" envDefault:"120s"`
	RateLimit     int           `env:"PUBSUB_RATE_LIMIT" envDefault:"200"`
	RateBurst     int           `env:"PUBSUB_RATE_BURST" envDefault:"400"`

	// Lifecycle
	ShutdownGrace time.Duration `env:"PUBSUB_SHUTDOWN_GRACE" envDefault:"10s"`

	// Optional NATS ingest bridge; disabled when NATSURL is empty.
	NATSURL           string `env:"NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"pubsub"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, parses the environment, and validates
// the result.
func Load() (*Config, error) {
	// .env is a development convenience; in containers the environment is
	// set directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PUBSUB_ADDR is required")
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("PUBSUB_ADMIN_ADDR is required")
	}
	if c.HistoryCapacity < 1 {
		return fmt.Errorf("PUBSUB_HISTORY_CAPACITY must be > 0, got %d", c.HistoryCapacity)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("PUBSUB_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("PUBSUB_MAX_PAYLOAD must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit settings must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}
