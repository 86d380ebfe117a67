// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	DataRoot string         `mapstructure:"dataRoot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	CORSOrigin   string `mapstructure:"corsOrigin"`
}

// DatabaseConfig holds relational store configuration.
// URL takes precedence; when it has a postgres:// scheme the pgx pool is
// used, otherwise the path is treated as a SQLite database file.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// SandboxConfig holds the configuration of session sandbox containers.
type SandboxConfig struct {
	Image       string  `mapstructure:"image"`
	MemoryMiB   int64   `mapstructure:"memoryMib"`
	CPULimit    float64 `mapstructure:"cpuLimit"` // fraction of one core
	NetworkMode string  `mapstructure:"networkMode"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
	EncryptionKey string `mapstructure:"encryptionKey"` // hex-encoded AES-256 key for credentials at rest
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// JanitorConfig holds the periodic reconciliation sweep configuration.
type JanitorConfig struct {
	Interval int `mapstructure:"interval"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// IntervalDuration returns the janitor sweep interval as a time.Duration.
func (j *JanitorConfig) IntervalDuration() time.Duration {
	return time.Duration(j.Interval) * time.Second
}

// MemoryBytes returns the sandbox memory limit in bytes.
func (s *SandboxConfig) MemoryBytes() int64 {
	return s.MemoryMiB * 1024 * 1024
}

// CPUQuota returns the sandbox CPU limit as a Docker CPU quota
// (microseconds per 100ms period).
func (s *SandboxConfig) CPUQuota() int64 {
	return int64(s.CPULimit * 100000)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigin", "")

	// Database defaults - empty URL means in-memory store (dev mode)
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "kiln-sandbox:latest")
	v.SetDefault("sandbox.memoryMib", 2048)
	v.SetDefault("sandbox.cpuLimit", 1.0)
	v.SetDefault("sandbox.networkMode", "bridge")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kiln-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)
	v.SetDefault("auth.encryptionKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Janitor defaults
	v.SetDefault("janitor.interval", 300)

	v.SetDefault("dataRoot", "/var/lib/kiln")
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KILN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KILN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kiln/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional unprefixed env vars the
	// deployment environment provides. AutomaticEnv does not handle
	// camelCase config keys, so keys with differing naming are bound here.
	_ = v.BindEnv("server.port", "PORT", "KILN_SERVER_PORT")
	_ = v.BindEnv("server.corsOrigin", "CORS_ORIGIN", "KILN_SERVER_CORS_ORIGIN")
	_ = v.BindEnv("database.url", "DATABASE_URL", "KILN_DATABASE_URL")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "KILN_DOCKER_HOST")
	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE", "KILN_SANDBOX_IMAGE")
	_ = v.BindEnv("sandbox.memoryMib", "SANDBOX_MEMORY_LIMIT", "KILN_SANDBOX_MEMORY_MIB")
	_ = v.BindEnv("sandbox.cpuLimit", "SANDBOX_CPU_LIMIT", "KILN_SANDBOX_CPU_LIMIT")
	_ = v.BindEnv("auth.jwtSecret", "JWT_SECRET", "KILN_AUTH_JWT_SECRET")
	_ = v.BindEnv("auth.encryptionKey", "SERVER_ENCRYPTION_KEY", "KILN_AUTH_ENCRYPTION_KEY")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "KILN_LOGGING_LEVEL")
	_ = v.BindEnv("dataRoot", "DATA_ROOT", "KILN_DATA_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kiln/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.MemoryMiB <= 0 {
		errs = append(errs, "sandbox.memoryMib must be positive")
	}
	if cfg.Sandbox.CPULimit <= 0 {
		errs = append(errs, "sandbox.cpuLimit must be positive")
	}

	// Auth - generate a random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Janitor.Interval <= 0 {
		errs = append(errs, "janitor.interval must be positive")
	}
	if cfg.DataRoot == "" {
		errs = append(errs, "dataRoot is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// generateDevSecret produces a random JWT secret for development use.
// Tokens do not survive a restart in this mode.
func generateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "kiln-dev-secret"
	}
	return hex.EncodeToString(b)
}
