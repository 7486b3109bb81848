package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port          string
	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	NumWorkers    int

	SweepInterval      time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	PendingRecoveryAge time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DATABASE", "webhooks"),
		RedisURL:      getEnv("REDIS_URL", ""),
		NumWorkers:    getEnvInt("NUM_WORKERS", 50),

		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 10*time.Second),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:      getEnvDuration("RETRY_MAX_DELAY", time.Hour),
		PendingRecoveryAge: getEnvDuration("PENDING_RECOVERY_AGE", time.Minute),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case DriverMongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("MONGO_URI is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be one of postgres, mongo, memory; got %q", cfg.StoreDriver)
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("NUM_WORKERS must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("RETRY_BASE_DELAY must be positive and not above RETRY_MAX_DELAY")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30s") or whole seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
