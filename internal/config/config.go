// Package config provides configuration management with a layered
// priority: CLI flags > environment variables > TOML config file >
// defaults.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Keys     KeysConfig
	Logging  LoggingConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

// ServerConfig holds listener and request-handling configuration.
type ServerConfig struct {
	BindAddr                string
	RequestBodyLimitBytes   int
	GracefulShutdownSeconds int
}

// UpstreamConfig holds the defaults applied to every upstream call.
type UpstreamConfig struct {
	ConnectTimeoutMs      int
	RequestTimeoutMs      int
	RetryInitialBackoffMs int
	RetryMaxBackoffMs     int
	MaxRetries            int
}

// KeysConfig holds credential-pool configuration.
type KeysConfig struct {
	RotationStrategy string
}

// LoggingConfig controls the zap/lumberjack logger.
type LoggingConfig struct {
	Level      string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig controls the completed-attempt SQLite log.
type AuditConfig struct {
	Enabled bool
	DBPath  string
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	BindAddr string
}

// DefaultConfig returns the configuration used when no file, environment
// variable, or flag overrides a value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:                "0.0.0.0:8080",
			RequestBodyLimitBytes:   262144,
			GracefulShutdownSeconds: 10,
		},
		Upstream: UpstreamConfig{
			ConnectTimeoutMs:      800,
			RequestTimeoutMs:      60000,
			RetryInitialBackoffMs: 50,
			RetryMaxBackoffMs:     2000,
			MaxRetries:            3,
		},
		Keys: KeysConfig{
			RotationStrategy: "round_robin_health_weighted",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled: true,
			DBPath:  "data/audit.db",
		},
		Metrics: MetricsConfig{
			BindAddr: "",
		},
	}
}

// Validate checks the configuration for errors a loader can't already have
// prevented structurally.
func (c *Config) Validate() error {
	if c.Server.RequestBodyLimitBytes <= 0 {
		return &ConfigError{Field: "server.request_body_limit_bytes", Message: "must be positive"}
	}
	if c.Upstream.MaxRetries < 0 {
		return &ConfigError{Field: "upstream.max_retries", Message: "must not be negative"}
	}
	if c.Upstream.RetryInitialBackoffMs <= 0 || c.Upstream.RetryMaxBackoffMs < c.Upstream.RetryInitialBackoffMs {
		return &ConfigError{Field: "upstream.retry_backoff", Message: "initial backoff must be positive and not exceed max backoff"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}
