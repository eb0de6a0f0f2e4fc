// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PPAL_ prefix (e.g., PPAL_SERVER_PORT
// overrides server.port in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// ENCRYPTION_KEY and ADMIN_PASSWORD have no PPAL_ prefix because they may be
// injected by infrastructure tooling (e.g., Kubernetes secrets, Vault agent)
// that does not know the application-specific prefix and treats them as generic
// secret names.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sidecar   SidecarConfig   `mapstructure:"sidecar"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds the admin HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LockFile     string        `mapstructure:"lock_file"`
}

// GetPublicURL returns the public-facing URL used for OAuth callbacks and external redirects.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
// This distinction matters in reverse-proxied deployments where the internal listen address
// (base_url) differs from the URL registered with the OAuth provider (public_url).
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the embedded database configuration
type DatabaseConfig struct {
	Path               string `mapstructure:"path"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// SidecarConfig holds the routing sidecar process configuration
type SidecarConfig struct {
	// Binary is the path to the sidecar executable
	Binary string `mapstructure:"binary"`
	// ConfigPath is where the generated sidecar YAML is written
	ConfigPath string `mapstructure:"config_path"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	// ManagementKey authenticates management API calls to the sidecar
	ManagementKey string `mapstructure:"management_key"`
	// HealthInterval is the poll spacing while waiting for the sidecar to come up
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// StartupTimeout bounds the total wait for a healthy sidecar after spawn
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	// StopTimeout bounds the graceful shutdown wait before the process is killed
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// Endpoint returns the sidecar base URL
func (s *SidecarConfig) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// ProxyConfig holds the /v1 forwarding data plane configuration
type ProxyConfig struct {
	// RequestTimeout bounds a single upstream completion request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RetentionDays is how long raw usage logs are kept before the sweep
	RetentionDays int `mapstructure:"retention_days"`
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	// SessionTTL is the sliding window extended on each authenticated request
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// SessionMaxAge is the hard cap past which a session cannot slide
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
	// OAuthStateTTL bounds the window between authorize redirect and callback
	OAuthStateTTL time.Duration `mapstructure:"oauth_state_ttl"`
	// CookieSecure sets the Secure attribute on session cookies. Disable only
	// for plain-HTTP local development.
	CookieSecure bool `mapstructure:"cookie_secure"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds per-key rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.lock_file",

		// Database
		"database.path",
		"database.max_connections",
		"database.min_idle_connections",

		// Sidecar
		"sidecar.binary",
		"sidecar.config_path",
		"sidecar.host",
		"sidecar.port",
		"sidecar.management_key",
		"sidecar.health_interval",
		"sidecar.startup_timeout",
		"sidecar.stop_timeout",

		// Proxy
		"proxy.request_timeout",
		"proxy.retention_days",

		// Auth
		"auth.session_ttl",
		"auth.session_max_age",
		"auth.oauth_state_ttl",
		"auth.cookie_secure",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/proxypal")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("PPAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Sidecar.ManagementKey = expandEnv(cfg.Sidecar.ManagementKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.base_url", "http://localhost:3000")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.lock_file", "./proxypal.lock")

	// Database defaults
	v.SetDefault("database.path", "./proxypal.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	// Sidecar defaults
	v.SetDefault("sidecar.binary", "ai-router")
	v.SetDefault("sidecar.config_path", "./router-config.yaml")
	v.SetDefault("sidecar.host", "127.0.0.1")
	v.SetDefault("sidecar.port", 8317)
	v.SetDefault("sidecar.health_interval", "5s")
	v.SetDefault("sidecar.startup_timeout", "30s")
	v.SetDefault("sidecar.stop_timeout", "10s")

	// Proxy defaults
	v.SetDefault("proxy.request_timeout", "120s")
	v.SetDefault("proxy.retention_days", 90)

	// Auth defaults
	v.SetDefault("auth.session_ttl", "168h")
	v.SetDefault("auth.session_max_age", "720h")
	v.SetDefault("auth.oauth_state_ttl", "10m")
	v.SetDefault("auth.cookie_secure", true)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "proxypal")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Sidecar.Binary == "" {
		return fmt.Errorf("sidecar.binary is required")
	}
	if c.Sidecar.ConfigPath == "" {
		return fmt.Errorf("sidecar.config_path is required")
	}
	if c.Sidecar.Port < 1 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("invalid sidecar port: %d", c.Sidecar.Port)
	}
	if c.Sidecar.Port == c.Server.Port {
		return fmt.Errorf("sidecar.port and server.port must differ")
	}

	if c.Proxy.RequestTimeout <= 0 {
		return fmt.Errorf("proxy.request_timeout must be positive")
	}
	if c.Proxy.RetentionDays < 1 {
		return fmt.Errorf("proxy.retention_days must be at least 1")
	}

	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if c.Auth.SessionMaxAge < c.Auth.SessionTTL {
		return fmt.Errorf("auth.session_max_age must be at least auth.session_ttl")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
