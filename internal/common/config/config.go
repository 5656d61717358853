// Package config provides configuration management for acprunner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for acprunner.
type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	NATS        NATSConfig           `mapstructure:"nats"`
	Agent       AgentConfig          `mapstructure:"agent"`
	Health      HealthConfig         `mapstructure:"health"`
	Terminal    TerminalConfig       `mapstructure:"terminal"`
	Permissions PermissionsConfig    `mapstructure:"permissions"`
	Tracing     TracingConfig        `mapstructure:"tracing"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP control API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig describes how the agent executable is located and invoked.
type AgentConfig struct {
	// Command is the bare executable name used for PATH and install-dir lookup.
	Command string `mapstructure:"command"`

	// PathEnv names the environment variable that overrides executable lookup.
	PathEnv string `mapstructure:"pathEnv"`

	// Args are the fixed flags that put the agent into protocol mode.
	Args []string `mapstructure:"args"`

	// ModelFlag precedes the model identifier on the command line.
	ModelFlag    string `mapstructure:"modelFlag"`
	DefaultModel string `mapstructure:"defaultModel"`

	// Env holds extra variables for the agent process, such as API keys.
	// Keys are upper-cased when applied since viper lower-cases map keys.
	Env map[string]string `mapstructure:"env"`

	// ClearEnv lists host variables removed from the agent's environment.
	ClearEnv []string `mapstructure:"clearEnv"`

	// Detached starts the agent without tying its lifetime to this process.
	Detached bool `mapstructure:"detached"`

	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	KillGrace      time.Duration `mapstructure:"killGrace"`
}

// HealthConfig holds stall detection thresholds.
type HealthConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	WarnAfter  time.Duration `mapstructure:"warnAfter"`
	StallAfter time.Duration `mapstructure:"stallAfter"`
}

// TerminalConfig holds defaults for agent-created terminals.
type TerminalConfig struct {
	OutputByteLimit int           `mapstructure:"outputByteLimit"`
	KillGrace       time.Duration `mapstructure:"killGrace"`
}

// PermissionsConfig holds the tool kinds approved without asking.
type PermissionsConfig struct {
	AllowedKinds []string `mapstructure:"allowedKinds"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultAllowedKinds is the tool-kind allow-list used when none is configured.
var DefaultAllowedKinds = []string{
	"read", "write", "edit", "search", "execute", "terminal", "list", "fetch", "think",
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8484)
	v.SetDefault("server.readTimeout", 30)
	// 0 disables the write deadline so wait=true requests can outlive it.
	v.SetDefault("server.writeTimeout", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "acprunner")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.command", "gemini")
	v.SetDefault("agent.pathEnv", "ACPRUNNER_AGENT_PATH")
	v.SetDefault("agent.args", []string{"--experimental-acp"})
	v.SetDefault("agent.modelFlag", "--model")
	v.SetDefault("agent.defaultModel", "gemini-2.5-pro")
	v.SetDefault("agent.clearEnv", []string{"ELECTRON_RUN_AS_NODE"})
	v.SetDefault("agent.detached", true)
	v.SetDefault("agent.defaultTimeout", 10*time.Minute)
	v.SetDefault("agent.killGrace", 3*time.Second)

	// Health defaults
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.warnAfter", 60*time.Second)
	v.SetDefault("health.stallAfter", 180*time.Second)

	// Terminal defaults
	v.SetDefault("terminal.outputByteLimit", 1<<20)
	v.SetDefault("terminal.killGrace", 3*time.Second)

	v.SetDefault("permissions.allowedKinds", DefaultAllowedKinds)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "acprunner")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 3)
	v.SetDefault("logging.maxAgeDays", 28)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACPRUNNER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/acprunner/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACPRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars.
	_ = v.BindEnv("agent.defaultModel", "ACPRUNNER_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.defaultTimeout", "ACPRUNNER_AGENT_DEFAULT_TIMEOUT")
	_ = v.BindEnv("health.stallAfter", "ACPRUNNER_HEALTH_STALL_AFTER")
	_ = v.BindEnv("health.warnAfter", "ACPRUNNER_HEALTH_WARN_AFTER")
	_ = v.BindEnv("terminal.outputByteLimit", "ACPRUNNER_TERMINAL_OUTPUT_BYTE_LIMIT")
	_ = v.BindEnv("tracing.endpoint", "ACPRUNNER_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("logging.outputPath", "ACPRUNNER_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acprunner/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

	if strings.TrimSpace(cfg.Agent.Command) == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.DefaultTimeout <= 0 {
		errs = append(errs, "agent.defaultTimeout must be positive")
	}
	if cfg.Agent.KillGrace < 0 {
		errs = append(errs, "agent.killGrace must not be negative")
	}

	if cfg.Health.Interval <= 0 {
		errs = append(errs, "health.interval must be positive")
	}
	if cfg.Health.StallAfter <= 0 {
		errs = append(errs, "health.stallAfter must be positive")
	}
	if cfg.Health.WarnAfter > cfg.Health.StallAfter {
		errs = append(errs, "health.warnAfter must not exceed health.stallAfter")
	}

	if cfg.Terminal.OutputByteLimit <= 0 {
		errs = append(errs, "terminal.outputByteLimit must be positive")
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
