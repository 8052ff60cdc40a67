// Package config provides configuration types for gitops-gate.
//
// Configuration is file-based (gitops-gate.yaml) with environment
// variable overrides. The gate intentionally stays single-process:
// policy lives in a file under GitOps control, the audit source of
// truth is in-process, and external shipping targets are stdout, a
// local JSONL directory, or a local SQLite file.
package config

import "time"

// Config is the top-level configuration for gitops-gate.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy configures the RBAC policy source.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Audit configures the audit log and external shipping.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Auth configures API keys for the check API.
	// Optional: when empty, the API accepts unauthenticated requests
	// (suitable behind a trusted gateway or in dev mode).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures optional request rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Tracing enables OpenTelemetry trace export to stdout.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development defaults (verbose logging, no auth).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on.
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// PolicyConfig configures the RBAC policy source.
type PolicyConfig struct {
	// Path is the policy file to load at startup and on reload.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`

	// Strict makes compilation fail when a binding references a role
	// no rule uses. Default false: unbound roles log a warning.
	Strict bool `yaml:"strict" mapstructure:"strict"`
}

// AuditConfig configures the audit log and the best-effort shipper.
type AuditConfig struct {
	// Sink is where audit records are shipped:
	// "stdout", "file://<absolute-dir>", or "sqlite://<absolute-path>".
	// Defaults to "stdout".
	Sink string `yaml:"sink" mapstructure:"sink" validate:"omitempty,audit_sink"`

	// MaxRecords caps the in-process audit log. Appends beyond the cap
	// fail and force the triggering decision to deny. Default 1000000.
	MaxRecords int `yaml:"max_records" mapstructure:"max_records" validate:"omitempty,min=1"`

	// ChannelSize is the shipper channel buffer. Default 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is records per sink write. Default 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often partial batches flush (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval"`

	// SendTimeout is how long Enqueue may block before dropping (e.g. "100ms").
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout"`

	// WarningThreshold is the channel depth percent that triggers a
	// warning log. Default 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// RetentionDays is the file sink retention window. Default 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the file sink size cap per file. Default 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// APIKeys lists accepted keys by hash.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig is a single accepted API key.
type APIKeyConfig struct {
	// KeyHash is the hashed key: "$argon2id$..." (gitops-gate hash-key)
	// or "sha256:<hex>" for legacy deployments.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	// Name identifies the key in logs and rate limiting.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
}

// RateLimitConfig configures request rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Default false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// RequestsPerMinute is the sustained rate per API key (or per IP
	// for unauthenticated requests). Default 600.
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"omitempty,min=1"`

	// Burst is the burst allowance. Defaults to RequestsPerMinute.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// CleanupInterval is how often idle keys are swept (e.g. "5m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// MaxTTL is how long idle keys are kept (e.g. "1h").
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on stdout trace export. Default false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless explicitly configured otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
	if c.Audit.MaxRecords == 0 {
		c.Audit.MaxRecords = 1_000_000
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}
}

// SetDevDefaults applies development defaults. No-op unless DevMode.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"
}

// FlushIntervalDuration parses Audit.FlushInterval, falling back to 1s.
func (c *Config) FlushIntervalDuration() time.Duration {
	return parseDurationOr(c.Audit.FlushInterval, time.Second)
}

// SendTimeoutDuration parses Audit.SendTimeout, falling back to 100ms.
func (c *Config) SendTimeoutDuration() time.Duration {
	return parseDurationOr(c.Audit.SendTimeout, 100*time.Millisecond)
}

// CleanupIntervalDuration parses RateLimit.CleanupInterval, falling back to 5m.
func (c *Config) CleanupIntervalDuration() time.Duration {
	return parseDurationOr(c.RateLimit.CleanupInterval, 5*time.Minute)
}

// MaxTTLDuration parses RateLimit.MaxTTL, falling back to 1h.
func (c *Config) MaxTTLDuration() time.Duration {
	return parseDurationOr(c.RateLimit.MaxTTL, time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
