// Package config loads the billing worker settings from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSpanner  = "spanner"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	ModeBatch    = "batch"
	ModeWorkflow = "workflow"
)

// Config holds all configuration for the billing worker.
type Config struct {
	StorageDriver       string        `mapstructure:"STORAGE_DRIVER"`
	SpannerDatabase     string        `mapstructure:"SPANNER_DATABASE"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	RabbitMQURL         string        `mapstructure:"RABBITMQ_URL"`
	StripeAPIKey        string        `mapstructure:"STRIPE_API_KEY"`
	RenewalSchedule     string        `mapstructure:"RENEWAL_SCHEDULE"`
	RenewalBatchSize    int           `mapstructure:"RENEWAL_BATCH_SIZE"`
	RenewalMode         string        `mapstructure:"RENEWAL_MODE"`
	RenewalConcurrency  int           `mapstructure:"RENEWAL_CONCURRENCY"`
	OutboxSchedule      string        `mapstructure:"OUTBOX_SCHEDULE"`
	OutboxBatchSize     int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	ActivityTimeout     time.Duration `mapstructure:"ACTIVITY_TIMEOUT"`
	ActivityMaxAttempts int           `mapstructure:"ACTIVITY_MAX_ATTEMPTS"`
	MetricsAddr         string        `mapstructure:"METRICS_ADDR"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"STORAGE_DRIVER",
	"SPANNER_DATABASE",
	"DATABASE_URL",
	"RABBITMQ_URL",
	"STRIPE_API_KEY",
	"RENEWAL_SCHEDULE",
	"RENEWAL_BATCH_SIZE",
	"RENEWAL_MODE",
	"RENEWAL_CONCURRENCY",
	"OUTBOX_SCHEDULE",
	"OUTBOX_BATCH_SIZE",
	"ACTIVITY_TIMEOUT",
	"ACTIVITY_MAX_ATTEMPTS",
	"METRICS_ADDR",
	"LOG_LEVEL",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("STORAGE_DRIVER", DriverSpanner)
	viper.SetDefault("RENEWAL_SCHEDULE", "@every 1m")
	viper.SetDefault("RENEWAL_BATCH_SIZE", 100)
	viper.SetDefault("RENEWAL_MODE", ModeBatch)
	viper.SetDefault("RENEWAL_CONCURRENCY", 8)
	viper.SetDefault("OUTBOX_SCHEDULE", "@every 5s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("ACTIVITY_TIMEOUT", "10s")
	viper.SetDefault("ACTIVITY_MAX_ATTEMPTS", 5)
	viper.SetDefault("METRICS_ADDR", ":9102")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the selected driver and mode have what they need.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverSpanner:
		if c.SpannerDatabase == "" {
			return fmt.Errorf("SPANNER_DATABASE is required when STORAGE_DRIVER=%s", DriverSpanner)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.RenewalMode {
	case ModeBatch, ModeWorkflow:
	default:
		return fmt.Errorf("unknown RENEWAL_MODE %q", c.RenewalMode)
	}

	if c.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required")
	}
	if c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.OutboxBatchSize)
	}
	if c.RenewalBatchSize <= 0 {
		return fmt.Errorf("RENEWAL_BATCH_SIZE must be positive, got %d", c.RenewalBatchSize)
	}
	if c.RenewalConcurrency <= 0 {
		return fmt.Errorf("RENEWAL_CONCURRENCY must be positive, got %d", c.RenewalConcurrency)
	}
	if c.ActivityTimeout <= 0 {
		return fmt.Errorf("ACTIVITY_TIMEOUT must be positive, got %s", c.ActivityTimeout)
	}
	if c.ActivityMaxAttempts <= 0 {
		return fmt.Errorf("ACTIVITY_MAX_ATTEMPTS must be positive, got %d", c.ActivityMaxAttempts)
	}
	return nil
}
