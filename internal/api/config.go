// Package api provides the operator HTTP API of the migration engine.
// Routes live under /api/v1 and every job route is scoped by the tenant
// in the X-Tenant-ID header.
package api

import (
	"fmt"
	"net"
	"time"

	"github.com/tphakala/recordmigrate/internal/conf"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultListen          = "127.0.0.1:8085"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "2M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen string // host:port

	AllowedOrigins []string // CORS allowed origins, empty disables CORS

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string // e.g. "2M"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       DefaultBodyLimit,
	}
}

// ConfigFromSettings creates a Config from the server settings.
func ConfigFromSettings(s *conf.ServerSettings) *Config {
	config := DefaultConfig()
	if s == nil {
		return config
	}
	if s.Listen != "" {
		config.Listen = s.Listen
	}
	config.AllowedOrigins = s.AllowedOrigins
	if s.BodyLimit != "" {
		config.BodyLimit = s.BodyLimit
	}
	if s.ShutdownTimeout > 0 {
		config.ShutdownTimeout = s.ShutdownTimeout
	}
	return config
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
