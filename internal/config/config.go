// Package config содержит логику чтения конфигурации сервиса cashkeeper.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса cashkeeper.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	OutcomeWebhookURL string        `env:"OUTCOME_WEBHOOK_URL"`
	WorkerCount       int           `env:"WORKER_COUNT" envDefault:"4"`
	RetryAttempts     int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay        time.Duration `env:"RETRY_DELAY" envDefault:"5s"`
	CASAttempts       int           `env:"CAS_ATTEMPTS" envDefault:"4"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" envDefault:"30s"`
	InProgressTTL     time.Duration `env:"IN_PROGRESS_TTL" envDefault:"1m"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWebhookURL := cfg.OutcomeWebhookURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OutcomeWebhookURL, "n", "", "outcome webhook URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWebhookURL != "" {
		cfg.OutcomeWebhookURL = envWebhookURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("retry attempts must be positive, got %d", cfg.RetryAttempts)
	}
	if cfg.CASAttempts < 1 {
		return nil, fmt.Errorf("cas attempts must be positive, got %d", cfg.CASAttempts)
	}

	return cfg, nil
}
