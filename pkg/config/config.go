// Package config loads server and worker configuration from the
// environment.
package config

import (
	"os"
	"strings"
)

// Config holds process configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	BrokerURL        string
	ResultBackendURL string
}

// Load reads configuration from environment variables, applying local
// defaults where unset. The broker and result backend fall back to the
// Redis URL.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://telemetry@localhost:5432/telemetry?sslmode=disable"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	brokerURL := os.Getenv("CELERY_BROKER_URL")
	if brokerURL == "" {
		brokerURL = redisURL
	}

	backendURL := os.Getenv("CELERY_RESULT_BACKEND")
	if backendURL == "" {
		backendURL = redisURL
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseURL:      dbURL,
		RedisURL:         redisURL,
		BrokerURL:        brokerURL,
		ResultBackendURL: backendURL,
	}
}

// IsProduction detects production deployments by substring match on the
// database URL.
func (c *Config) IsProduction() bool {
	url := strings.ToLower(c.DatabaseURL)
	return strings.Contains(url, "prod") || strings.Contains(url, "production")
}
