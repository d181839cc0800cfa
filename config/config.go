// Package config provides configuration loading and validation for the
// demo server.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Batching      BatchingConfig      `yaml:"batching"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BasePath        string        `yaml:"base_path"` // HTTP procedure prefix
	WSPath          string        `yaml:"ws_path"`   // WebSocket endpoint, empty disables it
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BatchingConfig configures HTTP batching.
type BatchingConfig struct {
	Disabled     bool `yaml:"disabled"`
	MaxSize      int  `yaml:"max_size"` // 0 = unlimited
	ShareContext bool `yaml:"share_context"`
}

// SubscriptionsConfig configures long-lived streams.
type SubscriptionsConfig struct {
	KeepAlive    time.Duration `yaml:"keep_alive"`    // SSE keep-alive interval
	PingInterval time.Duration `yaml:"ping_interval"` // WebSocket ping interval
	SendBuffer   int           `yaml:"send_buffer"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Environment variables overriding file values.
const (
	EnvServerHost        = "TRPC_SERVER_HOST"
	EnvServerPort        = "TRPC_SERVER_PORT"
	EnvServerBasePath    = "TRPC_SERVER_BASE_PATH"
	EnvServerWSPath      = "TRPC_SERVER_WS_PATH"
	EnvBatchingDisabled  = "TRPC_BATCHING_DISABLED"
	EnvBatchingMaxSize   = "TRPC_BATCHING_MAX_SIZE"
	EnvSubKeepAlive      = "TRPC_SUBSCRIPTIONS_KEEP_ALIVE"
	EnvSubPingInterval   = "TRPC_SUBSCRIPTIONS_PING_INTERVAL"
	EnvLogLevel          = "TRPC_LOG_LEVEL"
	EnvLogFormat         = "TRPC_LOG_FORMAT"
	EnvMetricsEnabled    = "TRPC_METRICS_ENABLED"
	EnvMetricsPath       = "TRPC_METRICS_PATH"
	EnvServerMaxBodySize = "TRPC_SERVER_MAX_BODY_BYTES"
)

// Load reads the configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(&cfg)
}

// LoadFromEnv builds the configuration from environment variables and
// defaults only.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	return finish(&cfg)
}

// LoadWithFallback loads path when it exists and falls back to the
// environment otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv(EnvServerHost); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvServerBasePath); v != "" {
		cfg.Server.BasePath = v
	}
	if v := os.Getenv(EnvServerWSPath); v != "" {
		cfg.Server.WSPath = v
	}
	if v := os.Getenv(EnvServerMaxBodySize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}

	// Batching configuration
	if v := os.Getenv(EnvBatchingDisabled); v != "" {
		cfg.Batching.Disabled = parseBool(v)
	}
	if v := os.Getenv(EnvBatchingMaxSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batching.MaxSize = n
		}
	}

	// Subscription configuration
	if v := os.Getenv(EnvSubKeepAlive); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Subscriptions.KeepAlive = d
		}
	}
	if v := os.Getenv(EnvSubPingInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Subscriptions.PingInterval = d
		}
	}

	// Logging configuration
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvMetricsPath); v != "" {
		cfg.Metrics.Path = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/trpc"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Subscriptions.KeepAlive == 0 {
		cfg.Subscriptions.KeepAlive = 15 * time.Second
	}
	if cfg.Subscriptions.PingInterval == 0 {
		cfg.Subscriptions.PingInterval = 30 * time.Second
	}
	if cfg.Subscriptions.SendBuffer == 0 {
		cfg.Subscriptions.SendBuffer = 256
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port)
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/', got %q", cfg.Server.BasePath)
	}
	if cfg.Server.WSPath != "" && !strings.HasPrefix(cfg.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", cfg.Server.WSPath)
	}
	if cfg.Batching.MaxSize < 0 {
		return fmt.Errorf("batching.max_size must not be negative")
	}
	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}
	return nil
}

// NewLogger builds a logger writing to w as configured.
func (l LoggingConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if l.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
