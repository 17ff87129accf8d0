// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"RT_ADDR" envDefault:":3004"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Auth
	SessionSecret string `env:"RT_SESSION_SECRET,required"`

	// Stores and bus
	DatabaseURL string `env:"RT_DATABASE_URL,required"`
	NATSURL     string `env:"RT_NATS_URL" envDefault:"nats://localhost:4222"`

	// Capacity
	MaxConnections int `env:"RT_MAX_CONNECTIONS" envDefault:"5000"`
	SendQueueSize  int `env:"RT_SEND_QUEUE_SIZE" envDefault:"256"`

	// Per-endpoint inbound message limits (frames per minute)
	MarketMessageLimit  int `env:"RT_MARKET_MSG_LIMIT" envDefault:"500"`
	ContestMessageLimit int `env:"RT_CONTEST_MSG_LIMIT" envDefault:"120"`
	DefaultMessageLimit int `env:"RT_DEFAULT_MSG_LIMIT" envDefault:"100"`

	// Connection (upgrade) rate limiting
	ConnRateLimitEnabled bool    `env:"RT_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"RT_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate       float64 `env:"RT_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"RT_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate   float64 `env:"RT_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Intervals
	RefreshInterval  time.Duration `env:"RT_REFRESH_INTERVAL" envDefault:"5s"`
	DeliveryInterval time.Duration `env:"RT_DELIVERY_INTERVAL" envDefault:"5s"`
	ShutdownDrain    time.Duration `env:"RT_SHUTDOWN_DRAIN" envDefault:"5s"`

	// Database operation timeouts
	DBReadTimeout  time.Duration `env:"RT_DB_READ_TIMEOUT" envDefault:"5s"`
	DBWriteTimeout time.Duration `env:"RT_DB_WRITE_TIMEOUT" envDefault:"10s"`

	// Snapshot cache
	CacheTTL time.Duration `env:"RT_CACHE_TTL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// populated directly and the file is absent.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RT_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("RT_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	for name, v := range map[string]int{
		"RT_MARKET_MSG_LIMIT":  c.MarketMessageLimit,
		"RT_CONTEST_MSG_LIMIT": c.ContestMessageLimit,
		"RT_DEFAULT_MSG_LIMIT": c.DefaultMessageLimit,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("RT_REFRESH_INTERVAL must be >= 1s, got %s", c.RefreshInterval)
	}
	if c.DeliveryInterval < time.Second {
		return fmt.Errorf("RT_DELIVERY_INTERVAL must be >= 1s, got %s", c.DeliveryInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
// Secrets and DSNs are deliberately excluded.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Int("market_msg_limit", c.MarketMessageLimit).
		Int("contest_msg_limit", c.ContestMessageLimit).
		Int("default_msg_limit", c.DefaultMessageLimit).
		Dur("refresh_interval", c.RefreshInterval).
		Dur("delivery_interval", c.DeliveryInterval).
		Dur("cache_ttl", c.CacheTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
