package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// AMQP (optional; empty URL disables notifications)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Workers
	ObligationInterval   time.Duration
	ReconcileInterval    time.Duration
	ReconcileConcurrency int
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/bilancio.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "bilancio"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "budget_notifications"),

		ObligationInterval:   getEnvDuration("OBLIGATION_INTERVAL", 24*time.Hour),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 6*time.Hour),
		ReconcileConcurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate SQLite configuration
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		// Check if directory exists or can be created
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}

		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate worker configuration
	if c.ObligationInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid obligation interval %v: must be at least 1 minute", c.ObligationInterval))
	} else if c.ObligationInterval > 7*24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid obligation interval %v: must be at most 7 days", c.ObligationInterval))
	}

	if c.ReconcileInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at least 1 minute", c.ReconcileInterval))
	} else if c.ReconcileInterval > 7*24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at most 7 days", c.ReconcileInterval))
	}

	if c.ReconcileConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid reconcile concurrency %d: must be at least 1", c.ReconcileConcurrency))
	} else if c.ReconcileConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid reconcile concurrency %d: must be at most 64", c.ReconcileConcurrency))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
