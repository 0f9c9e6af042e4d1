// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting: Messages admitted per fixed Window.
type RateLimitConfig struct {
	Messages int
	Window   time.Duration
}

// Config holds the relay configuration. All values are read once at process
// start; there is no hot-reload.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	// ChatAPIURL is the base URL of the external persistence/membership
	// service. Required; startup fails without it.
	ChatAPIURL     string
	ChatAPITimeout time.Duration

	// JWTSecret verifies the credential presented at connection time.
	// Required; startup fails without it.
	JWTSecret string
}

// NewConfig creates a Config instance populated with default values for all
// settings except the required ChatAPIURL and JWTSecret.
func NewConfig() *Config {
	return &Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Messages: 5,
			Window:   10 * time.Second,
		},
		ChatAPITimeout: 5 * time.Second,
	}
}

// NewConfigFromEnv creates a Config instance from environment variables,
// falling back to defaults for everything optional.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if limit := os.Getenv("RATE_LIMIT_MESSAGES"); limit != "" {
		cfg.RateLimit.Messages = parseIntValue(limit, cfg.RateLimit.Messages)
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		cfg.RateLimit.Window = parseDurationSeconds(window, cfg.RateLimit.Window)
	}

	cfg.ChatAPIURL = os.Getenv("CHAT_API_URL")
	if timeout := os.Getenv("CHAT_API_TIMEOUT"); timeout != "" {
		cfg.ChatAPITimeout = parseDurationSeconds(timeout, cfg.ChatAPITimeout)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	return cfg
}

// Validate checks the required settings and normalizes the rest. It is the
// only configuration failure path, and it is fatal at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ChatAPIURL) == "" {
		return errors.New("CHAT_API_URL is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}

	if c.Port == "" {
		c.Port = ":8080"
	}
	if !strings.HasPrefix(c.Port, ":") {
		c.Port = ":" + c.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512
	}
	if c.RateLimit.Messages <= 0 {
		c.RateLimit.Messages = 5
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 10 * time.Second
	}
	if c.ChatAPITimeout <= 0 {
		c.ChatAPITimeout = 5 * time.Second
	}

	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseDurationSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
