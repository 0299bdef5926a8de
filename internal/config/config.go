// Package config defines the global configuration structure for the
// PropCanvas billing core. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast). This includes the external plan id
// table: every paid tier must resolve to a Razorpay plan id before the
// process will serve traffic.
package config

import (
	"time"

	"propcanvas/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the PropCanvas billing
// core. It is populated once during process initialization and never
// modified. Sub-components receive only the specific config subsets they
// require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"propcanvas-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Plans    PlanIDConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for checkout redirects (no trailing slash)
	APIExternalURL     string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	DashboardURL       string        `envconfig:"DASHBOARD_URL" validate:"required,url"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and routing switches.
//
// Razorpay is the default (domestic) provider and its credentials are always
// required. Stripe handles international card traffic and is gated behind
// EnableStripe; when the flag is on but the credentials are absent, the
// router silently falls back to Razorpay.
type BillingConfig struct {
	RazorpayKeyID         SecretString `envconfig:"RAZORPAY_KEY_ID" validate:"required"`
	RazorpayKeySecret     SecretString `envconfig:"RAZORPAY_KEY_SECRET" validate:"required"`
	RazorpayWebhookSecret SecretString `envconfig:"RAZORPAY_WEBHOOK_SECRET" validate:"required"`

	EnableStripe        bool         `envconfig:"FEATURE_ENABLE_STRIPE" default:"false"`
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// RazorpayConfigured reports whether the Razorpay API credentials are present.
func (b BillingConfig) RazorpayConfigured() bool {
	return b.RazorpayKeyID.Unmask() != "" && b.RazorpayKeySecret.Unmask() != ""
}

// StripeConfigured reports whether the Stripe API credentials are present.
// Routing requires both the feature flag and credentials; this only checks
// the latter.
func (b BillingConfig) StripeConfigured() bool {
	return b.StripeSecretKey.Unmask() != ""
}

// PlanIDConfig holds the environment-sourced external plan id overrides.
// Resolution precedence per (tier, provider, period) is:
// period-specific value -> tier default value -> hardcoded fallback.
// The assembled table is validated eagerly at startup by billing.NewPlanIDTable.
type PlanIDConfig struct {
	// Razorpay plan ids (domestic provider; required coverage for paid tiers).
	RazorpaySoloMonthly      string `envconfig:"RAZORPAY_PLAN_SOLO_MONTHLY"`
	RazorpaySoloAnnual       string `envconfig:"RAZORPAY_PLAN_SOLO_ANNUAL"`
	RazorpaySolo             string `envconfig:"RAZORPAY_PLAN_SOLO"`
	RazorpayTeamMonthly      string `envconfig:"RAZORPAY_PLAN_TEAM_MONTHLY"`
	RazorpayTeamAnnual       string `envconfig:"RAZORPAY_PLAN_TEAM_ANNUAL"`
	RazorpayTeam             string `envconfig:"RAZORPAY_PLAN_TEAM"`
	RazorpayBrokerageMonthly string `envconfig:"RAZORPAY_PLAN_BROKERAGE_MONTHLY"`
	RazorpayBrokerageAnnual  string `envconfig:"RAZORPAY_PLAN_BROKERAGE_ANNUAL"`
	RazorpayBrokerage        string `envconfig:"RAZORPAY_PLAN_BROKERAGE"`
	RazorpayAPIStarter       string `envconfig:"RAZORPAY_PLAN_API_STARTER"`
	RazorpayAPIGrowth        string `envconfig:"RAZORPAY_PLAN_API_GROWTH"`
	RazorpayAPIEnterprise    string `envconfig:"RAZORPAY_PLAN_API_ENTERPRISE"`

	// Stripe price ids (international card provider; optional).
	StripeSoloMonthly      string `envconfig:"STRIPE_PRICE_SOLO_MONTHLY"`
	StripeSoloAnnual       string `envconfig:"STRIPE_PRICE_SOLO_ANNUAL"`
	StripeSolo             string `envconfig:"STRIPE_PRICE_SOLO"`
	StripeTeamMonthly      string `envconfig:"STRIPE_PRICE_TEAM_MONTHLY"`
	StripeTeamAnnual       string `envconfig:"STRIPE_PRICE_TEAM_ANNUAL"`
	StripeTeam             string `envconfig:"STRIPE_PRICE_TEAM"`
	StripeBrokerageMonthly string `envconfig:"STRIPE_PRICE_BROKERAGE_MONTHLY"`
	StripeBrokerageAnnual  string `envconfig:"STRIPE_PRICE_BROKERAGE_ANNUAL"`
	StripeBrokerage        string `envconfig:"STRIPE_PRICE_BROKERAGE"`
	StripeAPIStarter       string `envconfig:"STRIPE_PRICE_API_STARTER"`
	StripeAPIGrowth        string `envconfig:"STRIPE_PRICE_API_GROWTH"`
	StripeAPIEnterprise    string `envconfig:"STRIPE_PRICE_API_ENTERPRISE"`
}

// AWSConfig holds AWS resource identifiers for the continuation queue and
// billing telemetry.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"ap-south-1"`

	// Post-billing continuation queue (usage alerts, plan-change
	// notifications) and its dead-letter queue.
	BillingTaskQueue string `envconfig:"SQS_BILLING_TASKS" validate:"required,url"`
	DlqURL           string `envconfig:"SQS_DLQ" validate:"required,url"`

	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"PropCanvas"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}
