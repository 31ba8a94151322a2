// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string

	// Chat platform
	PlatformAPIURL string
	PlatformToken  string
	SigningSecret  string

	// Control API
	JWTSecret string

	// Downstream PII scanner; empty disables scanning.
	PIIScannerURL string

	RetryInterval    time.Duration
	RetryMaxAttempts int
	RetryBatchSize   int

	BackfillRetention   time.Duration
	BackfillMinDelay    time.Duration
	BackfillMaxPageSize int
}

// Load reads configuration from environment variables.
// A .env file is loaded first when present (development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PlatformAPIURL: getEnv("PLATFORM_API_URL", "https://slack.com/api"),
		PlatformToken:  os.Getenv("PLATFORM_TOKEN"),
		SigningSecret:  os.Getenv("SIGNING_SECRET"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		PIIScannerURL:  os.Getenv("PII_SCANNER_URL"),
	}

	var err error
	if cfg.RetryInterval, err = getDuration("RETRY_INTERVAL", RetryInterval); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", RetryMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RetryBatchSize, err = getInt("RETRY_BATCH_SIZE", RetryBatchSize); err != nil {
		return nil, err
	}
	if cfg.BackfillRetention, err = getDuration("BACKFILL_RETENTION", BackfillRetention); err != nil {
		return nil, err
	}
	if cfg.BackfillMinDelay, err = getDuration("BACKFILL_MIN_DELAY", MinRequestDelay); err != nil {
		return nil, err
	}
	if cfg.BackfillMaxPageSize, err = getInt("BACKFILL_MAX_PAGE_SIZE", MaxPageSize); err != nil {
		return nil, err
	}

	if cfg.Env == "production" {
		var missing []string
		for name, value := range map[string]string{
			"DATABASE_URL":   cfg.DatabaseURL,
			"PLATFORM_TOKEN": cfg.PlatformToken,
			"SIGNING_SECRET": cfg.SigningSecret,
			"JWT_SECRET":     cfg.JWTSecret,
		} {
			if value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("missing required settings in production: %s", strings.Join(missing, ", "))
		}
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}
