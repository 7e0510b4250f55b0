package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                     int              `env:"PORT" envDefault:"8080"`
	DatabaseURL              string           `env:"DATABASE_URL,required"`
	RedisURL                 string           `env:"REDIS_URL,required"`
	LogLevel                 string           `env:"LOG_LEVEL" envDefault:"info"`
	AuthTokenSecret          string           `env:"AUTH_TOKEN_SECRET"`
	MediaWebhookSecret       string           `env:"MEDIA_WEBHOOK_SECRET"`
	AdminTokenHash           string           `env:"ADMIN_TOKEN_HASH"`
	PaymentGatewayURL        string           `env:"PAYMENT_GATEWAY_URL"`
	ClaimGraceSeconds        int              `env:"CLAIM_GRACE_SECONDS" envDefault:"300"`
	UnattendedTimeoutSeconds int              `env:"UNATTENDED_TIMEOUT_SECONDS" envDefault:"900"`
	RequestExpirySeconds     int              `env:"REQUEST_EXPIRY_SECONDS" envDefault:"1800"`
	MaxSessionMinutes        int              `env:"MAX_SESSION_MINUTES" envDefault:"180"`
	SweepIntervalSeconds     int              `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	PlanDurations            map[string]int   `env:"PLAN_DURATIONS" envDefault:"quick:15,standard:30,diagnostic:45"`
	PlanPricesCents          map[string]int64 `env:"PLAN_PRICES_CENTS" envDefault:"quick:1500,standard:2900,diagnostic:3900"`
	AcceptRateLimitPerMin    int              `env:"ACCEPT_RATE_LIMIT_PER_MIN" envDefault:"20"`
}

func (c *Config) ClaimGrace() time.Duration {
	return time.Duration(c.ClaimGraceSeconds) * time.Second
}

func (c *Config) UnattendedTimeout() time.Duration {
	return time.Duration(c.UnattendedTimeoutSeconds) * time.Second
}

// RequestExpiry returns zero when pending requests never expire.
func (c *Config) RequestExpiry() time.Duration {
	return time.Duration(c.RequestExpirySeconds) * time.Second
}

func (c *Config) MaxSessionLength() time.Duration {
	return time.Duration(c.MaxSessionMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminTokenHash != "" {
		if !strings.HasPrefix(c.AdminTokenHash, "$2a$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2b$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2y$") {
			return fmt.Errorf("ADMIN_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-token.go <token>)")
		}
	}

	if len(c.PlanDurations) == 0 {
		return fmt.Errorf("PLAN_DURATIONS must define at least one plan")
	}
	for code, minutes := range c.PlanDurations {
		if minutes <= 0 {
			return fmt.Errorf("PLAN_DURATIONS: plan %q must have a positive duration", code)
		}
		if _, ok := c.PlanPricesCents[code]; !ok {
			return fmt.Errorf("PLAN_PRICES_CENTS: missing price for plan %q", code)
		}
	}

	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("AUTH_TOKEN_SECRET", c.AuthTokenSecret); err != nil {
			return err
		}

		if c.MediaWebhookSecret == "" {
			log.Warn().Msg("MEDIA_WEBHOOK_SECRET is empty in production: presence webhook signature verification disabled")
		}
		if c.PaymentGatewayURL == "" {
			log.Warn().Msg("PAYMENT_GATEWAY_URL is empty in production: completed sessions will not be charged")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
