package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries everything the engine reads from the environment. Every
// knob has a default except the storage DSN and the webhook secret.
type Config struct {
	DBSource string `env:"DB_SOURCE,required"`
	Port     string `env:"SERVER_PORT" envDefault:"8080"`
	Env      string `env:"ENVIRONMENT" envDefault:"development"`

	// SMS provider endpoint.
	ProviderName    string        `env:"SMS_PROVIDER_NAME" envDefault:"smspool"`
	ProviderBaseURL string        `env:"SMS_PROVIDER_BASE_URL" envDefault:"http://localhost:9090"`
	ProviderAPIKey  string        `env:"SMS_PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `env:"SMS_PROVIDER_TIMEOUT" envDefault:"10s"`

	// Payment gateway (webhook + reconciliation re-verification).
	WebhookSecret  string        `env:"PAYMENT_WEBHOOK_SECRET,required"`
	GatewayBaseURL string        `env:"PAYMENT_GATEWAY_BASE_URL" envDefault:"http://localhost:9091"`
	GatewayAPIKey  string        `env:"PAYMENT_GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `env:"PAYMENT_GATEWAY_TIMEOUT" envDefault:"10s"`

	// Circuit breaker, per provider endpoint.
	BreakerFailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`

	// Polling schedule: short interval for the first PollShortAttempts
	// polls, long interval after, error interval on transient failures.
	// PendingCeiling is the hard wall-clock bound from created_at.
	PollShortInterval time.Duration `env:"POLL_SHORT_INTERVAL" envDefault:"3s"`
	PollLongInterval  time.Duration `env:"POLL_LONG_INTERVAL" envDefault:"15s"`
	PollErrorInterval time.Duration `env:"POLL_ERROR_INTERVAL" envDefault:"10s"`
	PollShortAttempts int           `env:"POLL_SHORT_ATTEMPTS" envDefault:"10"`
	PendingCeiling    time.Duration `env:"PENDING_CEILING" envDefault:"20m"`

	// Reconciliation.
	ReconcilePeriod time.Duration `env:"RECONCILE_PERIOD" envDefault:"1m"`
	PaymentGrace    time.Duration `env:"PAYMENT_GRACE_PERIOD" envDefault:"10m"`

	// Pricing estimate used before the provider call; the provider quote
	// is authoritative at commit. Minor currency units.
	DefaultPrice  int64            `env:"DEFAULT_VERIFICATION_PRICE" envDefault:"250"`
	ServicePrices map[string]int64 `env:"SERVICE_PRICES"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// PriceFor returns the pre-purchase estimate for a service.
func (c *Config) PriceFor(service string) int64 {
	if p, ok := c.ServicePrices[service]; ok {
		return p
	}
	return c.DefaultPrice
}
