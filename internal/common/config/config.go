// Package config provides configuration management for the OpenACD server.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Poll     PollConfig     `mapstructure:"poll"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the agent auth directory connection configuration.
// A host selects Postgres; otherwise a sqlitePath selects a file-backed
// directory; with neither set the in-memory directory seeded with dev
// defaults is used.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration for the cluster side of the
// agent registry. An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds per-session timer configuration.
type AgentConfig struct {
	// DefaultRingout is how long a call may ring an agent before the
	// session gives up and returns to idle, in seconds.
	DefaultRingout int `mapstructure:"defaultRingout"`

	// RegistryTimeout bounds the registry's publishes to the cluster bus,
	// in seconds.
	RegistryTimeout int `mapstructure:"registryTimeout"`

	// MediaTimeout bounds synchronous media commands, in seconds.
	MediaTimeout int `mapstructure:"mediaTimeout"`
}

// PollConfig holds long-poll gateway timing configuration.
type PollConfig struct {
	// FlushInterval is the event coalescing window, in milliseconds.
	FlushInterval int `mapstructure:"flushInterval"`

	// KeepAliveInterval is the liveness check period, in seconds.
	KeepAliveInterval int `mapstructure:"keepAliveInterval"`

	// Liveness is how long the gateway tolerates the absence of a poll
	// before terminating the session, in seconds. The same bound makes an
	// idle waiter receive a synthetic pong.
	Liveness int `mapstructure:"liveness"`
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

// RingoutDuration returns the default ringout as a time.Duration.
func (a *AgentConfig) RingoutDuration() time.Duration {
	return time.Duration(a.DefaultRingout) * time.Second
}

// RegistryTimeoutDuration returns the registry call bound as a time.Duration.
func (a *AgentConfig) RegistryTimeoutDuration() time.Duration {
	return time.Duration(a.RegistryTimeout) * time.Second
}

// MediaTimeoutDuration returns the media call bound as a time.Duration.
func (a *AgentConfig) MediaTimeoutDuration() time.Duration {
	return time.Duration(a.MediaTimeout) * time.Second
}

// FlushIntervalDuration returns the coalescing window as a time.Duration.
func (p *PollConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(p.FlushInterval) * time.Millisecond
}

// KeepAliveIntervalDuration returns the liveness check period.
func (p *PollConfig) KeepAliveIntervalDuration() time.Duration {
	return time.Duration(p.KeepAliveInterval) * time.Second
}

// LivenessDuration returns the poll liveness bound as a time.Duration.
func (p *PollConfig) LivenessDuration() time.Duration {
	return time.Duration(p.Liveness) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: "json" in production, "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("OPENACD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5050)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	// Database defaults - empty host means in-memory agent directory
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "openacd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "openacd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.sqlitePath", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "openacd-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent session timers
	v.SetDefault("agent.defaultRingout", 30)
	v.SetDefault("agent.registryTimeout", 5)
	v.SetDefault("agent.mediaTimeout", 10)

	// Long-poll gateway timers
	v.SetDefault("poll.flushInterval", 500)
	v.SetDefault("poll.keepAliveInterval", 11)
	v.SetDefault("poll.liveness", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix OPENACD_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/openacd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPENACD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openacd/")

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

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Agent.DefaultRingout <= 0 {
		errs = append(errs, "agent.defaultRingout must be positive")
	}
	if cfg.Poll.FlushInterval <= 0 {
		errs = append(errs, "poll.flushInterval must be positive")
	}
	if cfg.Poll.Liveness <= cfg.Poll.KeepAliveInterval {
		errs = append(errs, "poll.liveness must exceed poll.keepAliveInterval")
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

// DSN returns the PostgreSQL connection string for the agent directory.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
