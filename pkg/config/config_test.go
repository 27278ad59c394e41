package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
broker:
  base_url: https://api.example.com
  stream_url: wss://stream.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RateLimit.Rate != 10 {
		t.Errorf("RateLimit.Rate = %v, want default 10", cfg.RateLimit.Rate)
	}
	if cfg.Queue.Capacity != 1000 {
		t.Errorf("Queue.Capacity = %d, want default 1000", cfg.Queue.Capacity)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want default 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.DefaultRetry != 5*time.Second {
		t.Errorf("Retry.DefaultRetry = %v, want default 5s", cfg.Retry.DefaultRetry)
	}
	if cfg.Circuit.ErrorThreshold != 50 {
		t.Errorf("Circuit.ErrorThreshold = %d, want default 50", cfg.Circuit.ErrorThreshold)
	}
	if cfg.Stream.ReconnectMaxDelay != time.Minute {
		t.Errorf("Stream.ReconnectMaxDelay = %v, want default 1m", cfg.Stream.ReconnectMaxDelay)
	}
}

func TestLoadReadsValues(t *testing.T) {
	path := writeConfig(t, `
broker:
  base_url: https://api.example.com
  stream_url: wss://stream.example.com
  request_timeout: 10s
rate_limit:
  rate: 25
  max_tokens: 50
retry:
  max_retries: 5
  base_delay: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Broker.RequestTimeout)
	}
	if cfg.RateLimit.Rate != 25 || cfg.RateLimit.MaxTokens != 50 {
		t.Errorf("rate limit = %v/%v", cfg.RateLimit.Rate, cfg.RateLimit.MaxTokens)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "env-key")
	t.Setenv("BROKER_API_SECRET", "env-secret")

	path := writeConfig(t, `
broker:
  base_url: https://api.example.com
  stream_url: wss://stream.example.com
  api_key: file-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Broker.APIKey)
	}
	if cfg.Broker.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env override", cfg.Broker.APISecret)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Broker.BaseURL = "" }},
		{"missing stream url", func(c *Config) { c.Broker.StreamURL = "" }},
		{"negative rate", func(c *Config) { c.RateLimit.Rate = -1 }},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"liveness exceeds heartbeat", func(c *Config) {
			c.Stream.LivenessTimeout = c.Stream.HeartbeatInterval * 2
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Broker.BaseURL = "https://api.example.com"
			cfg.Broker.StreamURL = "wss://stream.example.com"
			cfg.ApplyDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted a bad config")
			}
		})
	}
}
