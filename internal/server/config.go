// Package server provides configuration helpers that define runtime defaults,
// environment loading and validation for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultListenAddr      = ":7777"
	defaultCodec           = "text"
	defaultMaxFrameSize    = 64 * 1024
	defaultOutboxSize      = 1024
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultLogLevel        = "INFO"
)

// Config holds the relay settings. Zero values are replaced by defaults in
// Sanitize.
type Config struct {
	ListenAddr      string        `env:"RELAY_LISTEN_ADDR,default=:7777" validate:"required"`
	Codec           string        `env:"RELAY_CODEC,default=text" validate:"required,oneof=text binary"`
	HTTPAddr        string        `env:"RELAY_HTTP_ADDR"`
	AllowedOrigins  string        `env:"RELAY_ALLOWED_ORIGINS,default=*"`
	MaxFrameSize    int           `env:"RELAY_MAX_FRAME_SIZE,default=65536" validate:"gte=16"`
	OutboxSize      int           `env:"RELAY_OUTBOX_SIZE,default=1024" validate:"gte=1"`
	WriteTimeout    time.Duration `env:"RELAY_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	ReadTimeout     time.Duration `env:"RELAY_READ_TIMEOUT,default=0s" validate:"gte=0"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT,default=5s" validate:"gt=0"`
	LogLevel        string        `env:"RELAY_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

var validate = validator.New()

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		ListenAddr:      defaultListenAddr,
		Codec:           defaultCodec,
		AllowedOrigins:  "*",
		MaxFrameSize:    defaultMaxFrameSize,
		OutboxSize:      defaultOutboxSize,
		WriteTimeout:    defaultWriteTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        defaultLogLevel,
	}
}

// LoadConfig reads an optional .env file, then the process environment, and
// validates the result.
func LoadConfig() (*Config, error) {
	// a missing .env file is normal outside development
	_ = godotenv.Load()

	cfg := NewConfig()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sanitize fills unset fields with defaults and normalizes case.
func (c *Config) Sanitize() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.Codec == "" {
		c.Codec = defaultCodec
	}
	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Origins returns the parsed allow-list for WebSocket origins.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
