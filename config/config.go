// Package config provides configuration loading and management for the
// cascade platform.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete platform configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Logs      LogsConfig      `yaml:"logs"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string `yaml:"addr"`
	// AllowAnonymous disables tier authorization for callers without a
	// principal. Only for trusted, closed deployments.
	AllowAnonymous bool `yaml:"allowAnonymous"`
}

// ModelConfig configures the LLM backend for generative, agentic, and
// classification calls.
type ModelConfig struct {
	// Default is the default model (e.g. "qwen2.5-coder:32b").
	Default string `yaml:"default"`
	// Endpoint is the OpenAI-compatible API endpoint.
	Endpoint string `yaml:"endpoint"`
	// Provider selects the wire adapter (openai, ollama, anthropic).
	Provider string `yaml:"provider"`
	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses.
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the JetStream connection backing the registry.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an in-process NATS server.
	Embedded bool `yaml:"embedded"`
}

// RedisConfig configures the distributed rate-limit backend. An empty
// address selects the in-memory limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig is the admission policy on the invocation path.
type RateLimitConfig struct {
	// Limit is the maximum requests per window per key. Zero disables
	// limiting.
	Limit int64 `yaml:"limit"`
	// Window is the sliding-window length.
	Window time.Duration `yaml:"window"`
}

// LogsConfig configures log retention.
type LogsConfig struct {
	// RetentionMaxAge deletes entries older than this. Zero keeps forever.
	RetentionMaxAge time.Duration `yaml:"retentionMaxAge"`
	// RetentionMaxCount keeps only the most recent N entries per function.
	RetentionMaxCount int `yaml:"retentionMaxCount"`
	// RetentionInterval is how often the retention task runs.
	RetentionInterval time.Duration `yaml:"retentionInterval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Default:     "qwen2.5-coder:32b",
			Endpoint:    "http://localhost:11434/v1",
			Provider:    "ollama",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		RateLimit: RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		},
		Logs: LogsConfig{
			RetentionMaxAge:   7 * 24 * time.Hour,
			RetentionInterval: time.Hour,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rateLimit.limit must not be negative")
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window is required when rateLimit.limit is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.AllowAnonymous {
		c.Server.AllowAnonymous = true
	}

	// Model
	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Redis
	if other.Redis.Addr != "" {
		c.Redis = other.Redis
	}

	// Rate limiting
	if other.RateLimit.Limit != 0 {
		c.RateLimit.Limit = other.RateLimit.Limit
	}
	if other.RateLimit.Window != 0 {
		c.RateLimit.Window = other.RateLimit.Window
	}

	// Logs
	if other.Logs.RetentionMaxAge != 0 {
		c.Logs.RetentionMaxAge = other.Logs.RetentionMaxAge
	}
	if other.Logs.RetentionMaxCount != 0 {
		c.Logs.RetentionMaxCount = other.Logs.RetentionMaxCount
	}
	if other.Logs.RetentionInterval != 0 {
		c.Logs.RetentionInterval = other.Logs.RetentionInterval
	}
}
