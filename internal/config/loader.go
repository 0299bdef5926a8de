// loader.go loads configuration at process startup: pin the process to UTC,
// pull in a .env file when one exists, populate the Config struct from
// envconfig tags, then validate. Any violation aborts startup.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrParsing    ConfigErrorType = "parsing"
	ErrValidation ConfigErrorType = "validation"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the PropCanvas billing configuration from
// the environment. A .env file, when present, fills in variables that are
// not already set; it never overrides the real environment.
func LoadConfig() (*Config, error) {
	// Billing periods are computed in UTC everywhere; pin the process so a
	// host timezone cannot shift them.
	time.Local = time.UTC

	_ = godotenv.Load()

	// The empty prefix makes envconfig read each tag value verbatim
	// (envconfig:"APP_ENV" reads APP_ENV).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig runs struct-tag validation plus the cross-field checks that
// tags cannot express.
func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration failed validation",
			Err:     err,
		}
	}

	// Stripe is optional, but an enabled flag without a secret key is a
	// deployment mistake worth failing loudly on rather than silently
	// routing all card traffic to Razorpay.
	if cfg.Billing.EnableStripe && !cfg.Billing.StripeConfigured() {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "FEATURE_ENABLE_STRIPE is on but STRIPE_SECRET_KEY is empty",
		}
	}
	if cfg.Billing.EnableStripe && cfg.Billing.StripeWebhookSecret.Unmask() == "" {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "FEATURE_ENABLE_STRIPE is on but STRIPE_WEBHOOK_SECRET is empty",
		}
	}

	return nil
}
