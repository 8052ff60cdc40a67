// Package config provides configuration loading for gitops-gate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, it searches standard
// locations for gitops-gate.yaml/.yml. The search requires an explicit
// YAML extension so the binary itself (same base name, no extension)
// is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which callers handle gracefully.
		viper.SetConfigName("gitops-gate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GITOPS_GATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("GITOPS_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gitops-gate config
// file with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gitops-gate"),
		"/etc/gitops-gate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gitops-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: GITOPS_GATE_POLICY_PATH overrides policy.path.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("policy.path")
	_ = viper.BindEnv("policy.strict")

	_ = viper.BindEnv("audit.sink")
	_ = viper.BindEnv("audit.max_records")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.warning_threshold")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")

	// auth.api_keys is an array; use the config file for keys.

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.requests_per_minute")
	_ = viper.BindEnv("rate_limit.burst")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")

	_ = viper.BindEnv("tracing.enabled")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does not apply dev defaults or validate. Use this when CLI flags may
// override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file,
// empty when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
