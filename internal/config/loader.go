package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// CredentialSpec is the raw, package-local shape a credential is read
// from (TOML/env/legacy JSON) before the caller turns it into a
// keypool.Credential. Kept separate from keypool so this package never
// has to import it.
type CredentialSpec struct {
	Token   string
	BaseURL string
	Models  []string
}

// Options carries the CLI overrides that take priority over everything
// else.
type Options struct {
	BindAddr   string
	ConfigPath string
}

// tomlFile mirrors the on-disk TOML shape; field names map to the nested
// Config sections via explicit toml tags since Go's exported-field
// convention differs from the snake_case file format.
type tomlFile struct {
	Server   tomlServer   `toml:"server"`
	Upstream tomlUpstream `toml:"upstream"`
	Keys     tomlKeys     `toml:"keys"`
	Logging  tomlLogging  `toml:"logging"`
	Audit    tomlAudit    `toml:"audit"`
	Metrics  tomlMetrics  `toml:"metrics"`
}

type tomlServer struct {
	BindAddr                string `toml:"bind_addr"`
	RequestBodyLimitBytes   int    `toml:"request_body_limit_bytes"`
	GracefulShutdownSeconds int    `toml:"graceful_shutdown_seconds"`
}

type tomlUpstream struct {
	ConnectTimeoutMs      int `toml:"connect_timeout_ms"`
	RequestTimeoutMs      int `toml:"request_timeout_ms"`
	RetryInitialBackoffMs int `toml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `toml:"retry_max_backoff_ms"`
	MaxRetries            int `toml:"max_retries"`
}

type tomlKeys struct {
	RotationStrategy string `toml:"rotation_strategy"`
}

type tomlLogging struct {
	Level      string `toml:"level"`
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type tomlAudit struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
}

type tomlMetrics struct {
	BindAddr string `toml:"bind_addr"`
}

// Load builds a Config from defaults, then a TOML file (if present), then
// environment variables, then the given CLI options, in that priority
// order (later steps win).
func Load(opts Options) (*Config, error) {
	cfg := DefaultConfig()

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = "config.toml"
	}
	if err := applyTOMLFile(cfg, configPath, opts.ConfigPath != ""); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if opts.BindAddr != "" {
		cfg.Server.BindAddr = opts.BindAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyTOMLFile reads path into cfg if it exists. When required is true
// (the caller passed --config explicitly) a missing or malformed file is
// an error instead of silently falling back to defaults.
func applyTOMLFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		if os.IsNotExist(err) {
			return fmt.Errorf("config file %s not found: %w", path, err)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var file tomlFile
	// Seed from current defaults so keys the file omits keep their
	// default value rather than zeroing out.
	file.Server = tomlServer(cfg.Server)
	file.Upstream = tomlUpstream(cfg.Upstream)
	file.Keys = tomlKeys(cfg.Keys)
	file.Logging = tomlLogging(cfg.Logging)
	file.Audit = tomlAudit(cfg.Audit)
	file.Metrics = tomlMetrics(cfg.Metrics)

	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.Server = ServerConfig(file.Server)
	cfg.Upstream = UpstreamConfig(file.Upstream)
	cfg.Keys = KeysConfig(file.Keys)
	cfg.Logging = LoggingConfig(file.Logging)
	cfg.Audit = AuditConfig(file.Audit)
	cfg.Metrics = MetricsConfig(file.Metrics)
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.BindAddr = getEnvStr("KEYCYCLE_BIND_ADDR", cfg.Server.BindAddr)
	cfg.Server.RequestBodyLimitBytes = getEnvInt("KEYCYCLE_REQUEST_BODY_LIMIT_BYTES", cfg.Server.RequestBodyLimitBytes)
	cfg.Server.GracefulShutdownSeconds = getEnvInt("KEYCYCLE_GRACEFUL_SHUTDOWN_SECONDS", cfg.Server.GracefulShutdownSeconds)

	cfg.Upstream.ConnectTimeoutMs = getEnvInt("KEYCYCLE_CONNECT_TIMEOUT_MS", cfg.Upstream.ConnectTimeoutMs)
	cfg.Upstream.RequestTimeoutMs = getEnvInt("KEYCYCLE_REQUEST_TIMEOUT_MS", cfg.Upstream.RequestTimeoutMs)
	cfg.Upstream.RetryInitialBackoffMs = getEnvInt("KEYCYCLE_RETRY_INITIAL_BACKOFF_MS", cfg.Upstream.RetryInitialBackoffMs)
	cfg.Upstream.RetryMaxBackoffMs = getEnvInt("KEYCYCLE_RETRY_MAX_BACKOFF_MS", cfg.Upstream.RetryMaxBackoffMs)
	cfg.Upstream.MaxRetries = getEnvInt("KEYCYCLE_MAX_RETRIES", cfg.Upstream.MaxRetries)

	cfg.Keys.RotationStrategy = getEnvStr("KEYCYCLE_ROTATION_STRATEGY", cfg.Keys.RotationStrategy)

	cfg.Logging.Level = getEnvStr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Dir = getEnvStr("KEYCYCLE_LOGS_DIR", cfg.Logging.Dir)
	cfg.Logging.MaxSizeMB = getEnvInt("KEYCYCLE_LOG_MAX_SIZE_MB", cfg.Logging.MaxSizeMB)
	cfg.Logging.MaxBackups = getEnvInt("KEYCYCLE_LOG_MAX_BACKUPS", cfg.Logging.MaxBackups)
	cfg.Logging.MaxAgeDays = getEnvInt("KEYCYCLE_LOG_MAX_AGE_DAYS", cfg.Logging.MaxAgeDays)
	cfg.Logging.Compress = getEnvBool("KEYCYCLE_LOG_COMPRESS", cfg.Logging.Compress)

	cfg.Audit.Enabled = getEnvBool("KEYCYCLE_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.DBPath = getEnvStr("KEYCYCLE_AUDIT_DB_PATH", cfg.Audit.DBPath)

	cfg.Metrics.BindAddr = getEnvStr("KEYCYCLE_METRICS_BIND_ADDR", cfg.Metrics.BindAddr)
}

// LoadCredentials resolves the credential set from, in priority order, the
// OPENAI_KEYS environment variable (a comma-separated token list served
// against OpenAI's default base URL) or a legacy config.json file shaped
// like {"apiKeys":[{"key","url","models"}]}.
func LoadCredentials(legacyPath string) ([]CredentialSpec, error) {
	if raw := os.Getenv("OPENAI_KEYS"); raw != "" {
		var specs []CredentialSpec
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			specs = append(specs, CredentialSpec{
				Token:   tok,
				BaseURL: "https://api.openai.com/v1",
				Models:  []string{"others"},
			})
		}
		if len(specs) > 0 {
			return specs, nil
		}
	}

	if legacyPath == "" {
		legacyPath = "config.json"
	}
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no credentials found: set OPENAI_KEYS or create %s", legacyPath)
		}
		return nil, fmt.Errorf("read %s: %w", legacyPath, err)
	}

	var legacy struct {
		APIKeys []struct {
			Key    string   `json:"key"`
			URL    string   `json:"url"`
			Models []string `json:"models"`
		} `json:"apiKeys"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse %s: %w", legacyPath, err)
	}

	specs := make([]CredentialSpec, 0, len(legacy.APIKeys))
	for _, k := range legacy.APIKeys {
		specs = append(specs, CredentialSpec{Token: k.Key, BaseURL: k.URL, Models: k.Models})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no credentials found in %s", legacyPath)
	}
	return specs, nil
}
