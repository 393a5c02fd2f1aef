package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the SnapGate server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Renderer RendererConfig
	Webhook  WebhookConfig
	Meter    MeterConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
	// Timeout bounds each counter round trip; the limiter degrades to its
	// in-process fallback rather than stalling the hot path.
	Timeout time.Duration
}

type AuthConfig struct {
	// KeyPepper is the server-side HMAC key for credential digests. Rotating
	// it invalidates every issued key, so treat it like a root secret.
	KeyPepper string
}

type RendererConfig struct {
	BaseURL string
	Timeout time.Duration
}

type WebhookConfig struct {
	Timeout    time.Duration
	RetryDelay time.Duration
	Workers    int
	QueueSize  int
}

type MeterConfig struct {
	QueueSize int
}

// Load reads configuration from a .env file (if present) and environment
// variables, and returns a validated Config. Returns an error with a
// descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	// Real env vars win over .env entries; absence of the file is fine.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SNAPGATE_PORT", 8080),
			Env:  envString("SNAPGATE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Timeout: envDuration("REDIS_TIMEOUT", 500*time.Millisecond),
		},
		Auth: AuthConfig{
			KeyPepper: os.Getenv("SNAPGATE_KEY_PEPPER"),
		},
		Renderer: RendererConfig{
			BaseURL: os.Getenv("RENDERER_BASE_URL"),
			Timeout: envDuration("RENDERER_TIMEOUT", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Timeout:    envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			RetryDelay: envDuration("WEBHOOK_RETRY_DELAY", 5*time.Second),
			Workers:    envInt("WEBHOOK_WORKERS", 4),
			QueueSize:  envInt("WEBHOOK_QUEUE_SIZE", 256),
		},
		Meter: MeterConfig{
			QueueSize: envInt("METER_QUEUE_SIZE", 1024),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.KeyPepper == "" {
		return fmt.Errorf("SNAPGATE_KEY_PEPPER is required")
	}

	if c.Renderer.BaseURL == "" {
		return fmt.Errorf("RENDERER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Renderer.BaseURL, "http://") && !strings.HasPrefix(c.Renderer.BaseURL, "https://") {
		return fmt.Errorf("RENDERER_BASE_URL must start with http:// or https://, got %q", c.Renderer.BaseURL)
	}

	if c.Webhook.Workers <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS must be positive, got %d", c.Webhook.Workers)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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
