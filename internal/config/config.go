// Package config holds the on-disk server configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for unset fields.
const (
	DefaultListen              = ":8787"
	DefaultMaxMessageBytes     = 32 * 1024
	DefaultDocContextBytes     = 128 * 1024
	DefaultRelayTimeoutSeconds = 120
	DefaultRequestsPerMinute   = 20
	DefaultBurst               = 5
)

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level"`

	Provider ProviderConfig `yaml:"provider"`
	Limits   LimitsConfig   `yaml:"limits"`

	// ImageHost configures the S3-compatible image host. Nil disables
	// background image uploads; data URIs keep working.
	ImageHost *ImageHostConfig `yaml:"image_host,omitempty"`
}

type ProviderConfig struct {
	// Type is "openai", "openai_compatible", or "anthropic".
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key. The key
	// itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`
}

type LimitsConfig struct {
	MaxMessageBytes     int `yaml:"max_message_bytes"`
	DocContextBytes     int `yaml:"doc_context_bytes"`
	RelayTimeoutSeconds int `yaml:"relay_timeout_seconds"`
	// RequestsPerMinute < 0 disables rate limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type ImageHostConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region,omitempty"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
	AccessKeyEnv  string `yaml:"access_key_env"`
	SecretKeyEnv  string `yaml:"secret_key_env"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider.Type)) {
	case "openai", "openai_compatible", "anthropic":
	case "":
		return errors.New("missing provider.type")
	default:
		return fmt.Errorf("unknown provider.type: %s", c.Provider.Type)
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		return errors.New("missing provider.model")
	}
	if strings.TrimSpace(c.Provider.APIKeyEnv) == "" {
		return errors.New("missing provider.api_key_env")
	}
	if c.ImageHost != nil {
		ih := c.ImageHost
		if strings.TrimSpace(ih.Endpoint) == "" {
			return errors.New("missing image_host.endpoint")
		}
		if strings.TrimSpace(ih.Bucket) == "" {
			return errors.New("missing image_host.bucket")
		}
		if strings.TrimSpace(ih.PublicBaseURL) == "" {
			return errors.New("missing image_host.public_base_url")
		}
		if strings.TrimSpace(ih.AccessKeyEnv) == "" || strings.TrimSpace(ih.SecretKeyEnv) == "" {
			return errors.New("missing image_host credentials env names")
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Limits.DocContextBytes <= 0 {
		c.Limits.DocContextBytes = DefaultDocContextBytes
	}
	if c.Limits.RelayTimeoutSeconds <= 0 {
		c.Limits.RelayTimeoutSeconds = DefaultRelayTimeoutSeconds
	}
	if c.Limits.RequestsPerMinute == 0 {
		c.Limits.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Limits.Burst <= 0 {
		c.Limits.Burst = DefaultBurst
	}
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
