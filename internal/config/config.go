package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ForecastQ server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig tunes the dispatcher and job bookkeeping.
type QueueConfig struct {
	MaxWorkers     int
	PollInterval   time.Duration
	MaxRetries     int
	StaleThreshold time.Duration
	SweepInterval  time.Duration
	LogCap         int
	StatsWindow    int
}

// EngineConfig points at the forecasting engine that performs the actual
// model fitting and inference.
type EngineConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("FORECASTQ_PORT", 8080),
			Env:               envString("FORECASTQ_ENV", "development"),
			RequestsPerMinute: envInt("FORECASTQ_REQUESTS_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			MaxWorkers:     envInt("QUEUE_MAX_WORKERS", 2),
			PollInterval:   envDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			MaxRetries:     envInt("QUEUE_MAX_RETRIES", 3),
			StaleThreshold: envDuration("QUEUE_STALE_THRESHOLD", 30*time.Minute),
			SweepInterval:  envDuration("QUEUE_SWEEP_INTERVAL", 5*time.Minute),
			LogCap:         envInt("QUEUE_JOB_LOG_CAP", 500),
			StatsWindow:    envInt("QUEUE_STATS_WINDOW", 20),
		},
		Engine: EngineConfig{
			BaseURL: os.Getenv("ENGINE_BASE_URL"),
			Timeout: envDuration("ENGINE_TIMEOUT", 30*time.Minute),
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

	if c.Engine.BaseURL == "" {
		return fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Engine.BaseURL, "http://") && !strings.HasPrefix(c.Engine.BaseURL, "https://") {
		return fmt.Errorf("ENGINE_BASE_URL must start with http:// or https://, got %q", c.Engine.BaseURL)
	}

	if c.Queue.MaxWorkers < 1 {
		return fmt.Errorf("QUEUE_MAX_WORKERS must be at least 1, got %d", c.Queue.MaxWorkers)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive, got %s", c.Queue.PollInterval)
	}
	if c.Queue.StaleThreshold <= 0 {
		return fmt.Errorf("QUEUE_STALE_THRESHOLD must be positive, got %s", c.Queue.StaleThreshold)
	}
	if c.Queue.LogCap < 1 {
		return fmt.Errorf("QUEUE_JOB_LOG_CAP must be at least 1, got %d", c.Queue.LogCap)
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
