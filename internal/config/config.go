package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PostLens client and the
// development pipeline stub.
type Config struct {
	Pipeline PipelineConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Chat     ChatConfig
	Scroll   ScrollConfig
	Stub     StubConfig
}

type PipelineConfig struct {
	BaseURL string
	Timeout time.Duration
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	TokenURL      string
	Token         string
	RefreshMargin time.Duration
}

type ChatConfig struct {
	// SessionGracePeriod is how long to wait after pipeline completion
	// before the first session-discovery attempt; the backend needs a
	// moment to provision the session.
	SessionGracePeriod time.Duration
	SessionAttempts    int
	// StreamMaxDuration bounds a single streaming turn; the read loop
	// is cancelled when it elapses.
	StreamMaxDuration time.Duration
}

type ScrollConfig struct {
	BottomAttempts   int
	BottomInterval   time.Duration
	LandmarkAttempts int
	LandmarkInterval time.Duration
}

// StubConfig configures the development pipeline stub server.
type StubConfig struct {
	Port          int
	StageInterval time.Duration
}

// Load reads configuration from environment variables and returns a
// Config validated for the client. Returns an error with a descriptive
// message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStub reads configuration for the development pipeline stub. The
// stub serves the pipeline API itself, so it needs neither a pipeline
// URL nor a token, only Redis and its own listener settings.
func LoadStub() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateStub(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			BaseURL: os.Getenv("POSTLENS_PIPELINE_URL"),
			Timeout: envDuration("POSTLENS_PIPELINE_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("POSTLENS_REDIS_URL"),
		},
		Auth: AuthConfig{
			TokenURL:      os.Getenv("POSTLENS_TOKEN_URL"),
			Token:         os.Getenv("POSTLENS_TOKEN"),
			RefreshMargin: envDuration("POSTLENS_TOKEN_REFRESH_MARGIN", 30*time.Second),
		},
		Chat: ChatConfig{
			SessionGracePeriod: envDuration("POSTLENS_SESSION_GRACE", 2*time.Second),
			SessionAttempts:    envInt("POSTLENS_SESSION_ATTEMPTS", 3),
			StreamMaxDuration:  envDuration("POSTLENS_STREAM_MAX_DURATION", 5*time.Minute),
		},
		Scroll: ScrollConfig{
			BottomAttempts:   envInt("POSTLENS_SCROLL_BOTTOM_ATTEMPTS", 3),
			BottomInterval:   envDuration("POSTLENS_SCROLL_BOTTOM_INTERVAL", 250*time.Millisecond),
			LandmarkAttempts: envInt("POSTLENS_SCROLL_LANDMARK_ATTEMPTS", 5),
			LandmarkInterval: envDuration("POSTLENS_SCROLL_LANDMARK_INTERVAL", 400*time.Millisecond),
		},
		Stub: StubConfig{
			Port:          envInt("POSTLENS_STUB_PORT", 8080),
			StageInterval: envDuration("POSTLENS_STUB_STAGE_INTERVAL", 2*time.Second),
		},
	}
}

func (c *Config) validate() error {
	if c.Pipeline.BaseURL == "" {
		return fmt.Errorf("POSTLENS_PIPELINE_URL is required")
	}
	if !strings.HasPrefix(c.Pipeline.BaseURL, "http://") && !strings.HasPrefix(c.Pipeline.BaseURL, "https://") {
		return fmt.Errorf("POSTLENS_PIPELINE_URL must start with http:// or https://, got %q", c.Pipeline.BaseURL)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("POSTLENS_REDIS_URL is required")
	}

	if c.Auth.Token == "" && c.Auth.TokenURL == "" {
		return fmt.Errorf("one of POSTLENS_TOKEN or POSTLENS_TOKEN_URL is required")
	}

	if c.Chat.SessionAttempts < 1 {
		return fmt.Errorf("POSTLENS_SESSION_ATTEMPTS must be at least 1, got %d", c.Chat.SessionAttempts)
	}
	if c.Scroll.LandmarkAttempts < 1 {
		return fmt.Errorf("POSTLENS_SCROLL_LANDMARK_ATTEMPTS must be at least 1, got %d", c.Scroll.LandmarkAttempts)
	}

	return nil
}

func (c *Config) validateStub() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("POSTLENS_REDIS_URL is required")
	}
	if c.Stub.Port < 1 || c.Stub.Port > 65535 {
		return fmt.Errorf("POSTLENS_STUB_PORT must be a valid port, got %d", c.Stub.Port)
	}
	return nil
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
