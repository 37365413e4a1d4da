// Package config provides configuration management for muxbridge.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for muxbridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Noise    NoiseConfig    `mapstructure:"noise"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionsConfig holds session storage and lifecycle configuration.
type SessionsConfig struct {
	// Root is the directory that holds per-session state
	// (default: ~/.muxbridge/sessions).
	Root string `mapstructure:"root"`

	// WakeTimeout bounds the blocking FIFO open, in seconds.
	WakeTimeout int `mapstructure:"wakeTimeout"`

	// IdleTimeout is the inactivity window after which the reaper
	// hibernates a session, in minutes.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// ReapInterval is how often the reaper scans, in seconds.
	ReapInterval int `mapstructure:"reapInterval"`
}

// ClaudeConfig holds assistant CLI configuration.
type ClaudeConfig struct {
	// Binary is the assistant CLI executable name or path.
	Binary string `mapstructure:"binary"`

	// DefaultModel is used when a session is created without a model.
	DefaultModel string `mapstructure:"defaultModel"`

	// VaultRoot is the assistant tool's own per-project log directory
	// (default: ~/.claude/projects). Read-only hydration source.
	VaultRoot string `mapstructure:"vaultRoot"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects
// the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NoiseConfig holds the text-noise filter rules applied by the
// transform watcher. Patterns prefixed with "re:" are regular
// expressions; everything else is a plain substring.
type NoiseConfig struct {
	Patterns  []string `mapstructure:"patterns"`
	MatchMode string   `mapstructure:"matchMode"` // any, all
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WakeTimeoutDuration returns the FIFO open timeout as a time.Duration.
func (s *SessionsConfig) WakeTimeoutDuration() time.Duration {
	return time.Duration(s.WakeTimeout) * time.Second
}

// IdleTimeoutDuration returns the hibernate threshold as a time.Duration.
func (s *SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Minute
}

// ReapIntervalDuration returns the reaper period as a time.Duration.
func (s *SessionsConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MUXBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("sessions.root", filepath.Join(home, ".muxbridge", "sessions"))
	v.SetDefault("sessions.wakeTimeout", 10)
	v.SetDefault("sessions.idleTimeout", 10)
	v.SetDefault("sessions.reapInterval", 60)

	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.defaultModel", "sonnet")
	v.SetDefault("claude.vaultRoot", filepath.Join(home, ".claude", "projects"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "muxbridge")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("noise.patterns", []string{})
	v.SetDefault("noise.matchMode", "any")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix MUXBRIDGE_ with
// underscore naming. The config file is config.yaml in the current
// directory or /etc/muxbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MUXBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("claude.defaultModel", "MUXBRIDGE_CLAUDE_DEFAULT_MODEL")
	_ = v.BindEnv("claude.vaultRoot", "MUXBRIDGE_CLAUDE_VAULT_ROOT")
	_ = v.BindEnv("sessions.wakeTimeout", "MUXBRIDGE_SESSIONS_WAKE_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/muxbridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sessions.Root == "" {
		errs = append(errs, "sessions.root is required")
	}
	if cfg.Sessions.WakeTimeout <= 0 {
		errs = append(errs, "sessions.wakeTimeout must be positive")
	}
	if cfg.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idleTimeout must be positive")
	}
	if cfg.Sessions.ReapInterval <= 0 {
		errs = append(errs, "sessions.reapInterval must be positive")
	}

	if cfg.Claude.Binary == "" {
		errs = append(errs, "claude.binary is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if mode := strings.ToLower(cfg.Noise.MatchMode); mode != "any" && mode != "all" {
		errs = append(errs, "noise.matchMode must be one of: any, all")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
