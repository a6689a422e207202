package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
provider:
  type: openai
  model: gpt-test
  api_key_env: OPENAI_API_KEY
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("Listen=%q", cfg.Listen)
	}
	if cfg.Limits.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d", cfg.Limits.MaxMessageBytes)
	}
	if cfg.Limits.RelayTimeoutSeconds != DefaultRelayTimeoutSeconds {
		t.Fatalf("RelayTimeoutSeconds=%d", cfg.Limits.RelayTimeoutSeconds)
	}
	if cfg.Limits.RequestsPerMinute != DefaultRequestsPerMinute {
		t.Fatalf("RequestsPerMinute=%d", cfg.Limits.RequestsPerMinute)
	}
	if cfg.ImageHost != nil {
		t.Fatal("ImageHost should default to nil")
	}
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
listen: ":9900"
log_format: text
log_level: debug
provider:
  type: anthropic
  model: claude-test
  api_key_env: ANTHROPIC_API_KEY
limits:
  max_message_bytes: 1024
  requests_per_minute: -1
image_host:
  endpoint: s3.example.com
  bucket: pages
  use_ssl: true
  public_base_url: https://img.example.com
  access_key_env: S3_ACCESS_KEY
  secret_key_env: S3_SECRET_KEY
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9900" || cfg.Provider.Type != "anthropic" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Limits.MaxMessageBytes != 1024 {
		t.Fatalf("MaxMessageBytes=%d, want explicit value kept", cfg.Limits.MaxMessageBytes)
	}
	if cfg.Limits.RequestsPerMinute != -1 {
		t.Fatalf("RequestsPerMinute=%d, want -1 (disabled) kept", cfg.Limits.RequestsPerMinute)
	}
	if cfg.ImageHost == nil || cfg.ImageHost.Bucket != "pages" {
		t.Fatalf("ImageHost = %+v", cfg.ImageHost)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing provider.type", "provider:\n  model: m\n  api_key_env: K\n"},
		{"unknown provider.type", "provider:\n  type: cohere\n  model: m\n  api_key_env: K\n"},
		{"missing provider.model", "provider:\n  type: openai\n  api_key_env: K\n"},
		{"missing provider.api_key", "provider:\n  type: openai\n  model: m\n"},
		{"image host without bucket", "provider:\n  type: openai\n  model: m\n  api_key_env: K\nimage_host:\n  endpoint: s3.example.com\n  public_base_url: https://x\n  access_key_env: A\n  secret_key_env: S\n"},
	}
	for _, tc := range cases {
		p := writeConfig(t, tc.body)
		if _, err := Load(p); err == nil {
			t.Errorf("%s: Load accepted invalid config", tc.name)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		format, level string
		wantErr       bool
	}{
		{"json", "info", false},
		{"text", "debug", false},
		{"", "", false},
		{"xml", "info", true},
		{"json", "verbose", true},
	} {
		_, err := NewLogger(tc.format, tc.level)
		if (err != nil) != tc.wantErr {
			t.Errorf("NewLogger(%q, %q) err = %v", tc.format, tc.level, err)
		}
	}
	if _, err := NewLogger("JSON", "WARN"); err != nil {
		t.Fatalf("case-insensitive: %v", err)
	}
	if _, err := NewLogger(strings.ToUpper("text"), "warning"); err != nil {
		t.Fatalf("warning alias: %v", err)
	}
}
