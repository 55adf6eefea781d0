// Package config loads billsync configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds process-wide settings.
type Config struct {
	DatabaseURL         string        `validate:"required,url"`
	Port                string        `validate:"required,numeric"`
	LogLevel            string        `validate:"oneof=debug info warn error"`
	StripeSecretKey     string        `validate:"required"`
	StripeWebhookSecret string        `validate:"required"`
	PlanCatalogPath     string        `validate:"omitempty,file"`
	ProviderTimeout     time.Duration `validate:"gt=0"`
	AuthDomain          string        `validate:"omitempty,url"`
	AuthAudience        string
	RateLimitPerMinute  int `validate:"gte=0"`
}

// Defaults applied when the environment is silent.
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultProviderTimeout    = 10 * time.Second
	DefaultRateLimitPerMinute = 30
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables are never
// overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv reads the configuration from environment variables.
// It does not validate; call Validate once overrides are applied.
func FromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		Port:                getEnv("PORT", DefaultPort),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PlanCatalogPath:     os.Getenv("PLAN_CATALOG_PATH"),
		ProviderTimeout:     DefaultProviderTimeout,
		AuthDomain:          os.Getenv("AUTH_DOMAIN"),
		AuthAudience:        os.Getenv("AUTH_AUDIENCE"),
		RateLimitPerMinute:  DefaultRateLimitPerMinute,
	}

	if v := os.Getenv("PROVIDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PROVIDER_TIMEOUT %q: %w", v, err)
		}
		cfg.ProviderTimeout = d
	}

	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %q: %w", v, err)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}

// Validate checks that required settings are present and well-formed.
func (c Config) Validate() error {
	return validationError(validator.New().Struct(c))
}

// ValidateFields checks only the named fields, for commands that need a
// subset of the settings.
func (c Config) ValidateFields(fields ...string) error {
	return validationError(validator.New().StructPartial(c, fields...))
}

func validationError(err error) error {
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AuthEnabled reports whether bearer-token auth is configured.
func (c Config) AuthEnabled() bool {
	return c.AuthDomain != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
