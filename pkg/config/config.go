package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the connectivity layer.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Token     TokenConfig     `yaml:"token"`
	Stream    StreamConfig    `yaml:"stream"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig holds endpoint and credential settings.
type BrokerConfig struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
	APIKey    string `yaml:"api_key"`    // falls back to BROKER_API_KEY
	APISecret string `yaml:"api_secret"` // falls back to BROKER_API_SECRET
	StateDir  string `yaml:"state_dir"`  // session resume state; empty disables it

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RateLimitConfig configures the outbound token bucket.
type RateLimitConfig struct {
	Rate      float64 `yaml:"rate"`       // tokens per second
	MaxTokens float64 `yaml:"max_tokens"` // burst capacity
}

// QueueConfig bounds the pending request queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// RetryConfig controls executor retry behavior.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`        // fraction of the delay, 0..1
	Max429Wait   time.Duration `yaml:"max_429_wait"`  // hard cap on accumulated Retry-After waits
	DefaultRetry time.Duration `yaml:"default_retry"` // used when Retry-After is absent
}

// CircuitConfig controls per-endpoint suspension.
type CircuitConfig struct {
	ErrorThreshold int           `yaml:"error_threshold"`
	ResetInterval  time.Duration `yaml:"reset_interval"`
}

// TokenConfig controls proactive token refresh.
type TokenConfig struct {
	RefreshMargin time.Duration `yaml:"refresh_margin"` // refresh this long before expiry
	RetryInterval time.Duration `yaml:"retry_interval"` // wait after a failed scheduled refresh
}

// StreamConfig controls the streaming session.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result. A .env file next to the process is
// honored if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_STREAM_URL"); v != "" {
		c.Broker.StreamURL = v
	}
}

// ApplyDefaults fills in zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = 30 * time.Second
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.MaxTokens == 0 {
		c.RateLimit.MaxTokens = 100
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.1
	}
	if c.Retry.Max429Wait == 0 {
		c.Retry.Max429Wait = 2 * time.Minute
	}
	if c.Retry.DefaultRetry == 0 {
		c.Retry.DefaultRetry = 5 * time.Second
	}
	if c.Circuit.ErrorThreshold == 0 {
		c.Circuit.ErrorThreshold = 50
	}
	if c.Circuit.ResetInterval == 0 {
		c.Circuit.ResetInterval = time.Hour
	}
	if c.Token.RefreshMargin == 0 {
		c.Token.RefreshMargin = 5 * time.Minute
	}
	if c.Token.RetryInterval == 0 {
		c.Token.RetryInterval = time.Minute
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 30 * time.Second
	}
	if c.Stream.LivenessTimeout == 0 {
		c.Stream.LivenessTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectMinDelay == 0 {
		c.Stream.ReconnectMinDelay = time.Second
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = time.Minute
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 14
	}
}

// Validate rejects configurations the connectivity layer cannot run with.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.StreamURL == "" {
		return fmt.Errorf("broker.stream_url is required")
	}
	if c.RateLimit.Rate <= 0 {
		return fmt.Errorf("rate_limit.rate must be positive")
	}
	if c.RateLimit.MaxTokens < 1 {
		return fmt.Errorf("rate_limit.max_tokens must be at least 1")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Stream.LivenessTimeout >= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream.liveness_timeout must be shorter than stream.heartbeat_interval")
	}
	return nil
}
