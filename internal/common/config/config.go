// Package config provides configuration management for Taskdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the taskdeck orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Host     HostConfig     `mapstructure:"host"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the local sqlite state database configuration.
// An empty path means execution state is kept in memory only.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HostConfig holds the execution host boundary configuration.
// The host is the external process that actually runs the agent.
type HostConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// CloudConfig holds the remote execution API configuration.
type CloudConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// RunnerConfig holds run supervision configuration.
type RunnerConfig struct {
	PollInterval    int    `mapstructure:"pollInterval"`    // progress poll interval in seconds
	MaxPollInterval int    `mapstructure:"maxPollInterval"` // backoff cap in seconds
	PermissionMode  string `mapstructure:"permissionMode"`  // default permission mode for local runs
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the host request timeout as a time.Duration.
func (h *HostConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// RequestTimeoutDuration returns the cloud request timeout as a time.Duration.
func (c *CloudConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (r *RunnerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// MaxPollIntervalDuration returns the backoff cap as a time.Duration.
func (r *RunnerConfig) MaxPollIntervalDuration() time.Duration {
	return time.Duration(r.MaxPollInterval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TASKDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8722)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty path means in-memory state only
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskdeck-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Execution host defaults
	v.SetDefault("host.baseUrl", "http://localhost:9876")
	v.SetDefault("host.requestTimeout", 30)

	// Cloud API defaults
	v.SetDefault("cloud.baseUrl", "")
	v.SetDefault("cloud.requestTimeout", 15)

	// Runner defaults
	v.SetDefault("runner.pollInterval", 5)
	v.SetDefault("runner.maxPollInterval", 60)
	v.SetDefault("runner.permissionMode", "acceptEdits")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/taskdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("host.baseUrl", "TASKDECK_HOST_BASE_URL")
	_ = v.BindEnv("cloud.baseUrl", "TASKDECK_CLOUD_BASE_URL")
	_ = v.BindEnv("database.path", "TASKDECK_DATABASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskdeck/")

	// Read config file (ignore if not found)
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

	if cfg.Host.BaseURL == "" {
		errs = append(errs, "host.baseUrl is required")
	}

	if cfg.Runner.PollInterval <= 0 {
		errs = append(errs, "runner.pollInterval must be positive")
	}
	if cfg.Runner.MaxPollInterval < cfg.Runner.PollInterval {
		errs = append(errs, "runner.maxPollInterval must be >= runner.pollInterval")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
