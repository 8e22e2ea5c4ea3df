package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Environment               string `env:"APP_ENV" envDefault:"development"`
	Port                      int    `env:"PORT" envDefault:"8080"`
	StoreDriver               string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL               string `env:"DATABASE_URL"`
	RedisURL                  string `env:"REDIS_URL,required"`
	LedgerGatewayURL          string `env:"LEDGER_GATEWAY_URL,required"`
	LedgerGatewayToken        string `env:"LEDGER_GATEWAY_TOKEN"`
	AuthJWTSecret             string `env:"AUTH_JWT_SECRET,required"`
	AuthJWTIssuer             string `env:"AUTH_JWT_ISSUER"`
	LogLevel                  string `env:"LOG_LEVEL" envDefault:"info"`
	MaxSessionHours           int    `env:"MAX_SESSION_HOURS" envDefault:"12"`
	MaxHoursPerDay            int    `env:"MAX_HOURS_PER_DAY" envDefault:"16"`
	ClockInRetryWindowSeconds int    `env:"CLOCK_IN_RETRY_WINDOW_SECONDS" envDefault:"10"`
	ChannelLifetimeHours      int    `env:"CHANNEL_LIFETIME_HOURS" envDefault:"720"`
	ClosingExpiryHours        int    `env:"CLOSING_EXPIRY_HOURS" envDefault:"72"`
	ActivationTimeoutMinutes  int    `env:"ACTIVATION_TIMEOUT_MINUTES" envDefault:"30"`
	ReconcileIntervalSeconds  int    `env:"RECONCILE_INTERVAL_SECONDS" envDefault:"60"`
	SweepIntervalSeconds      int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	DiscrepancyTolerance      string `env:"DISCREPANCY_TOLERANCE" envDefault:"0.000001"`
	VerifyAttempts            int    `env:"VERIFY_ATTEMPTS" envDefault:"5"`
	VerifyIntervalMillis      int    `env:"VERIFY_INTERVAL_MILLIS" envDefault:"2000"`
	ReconcileConcurrency      int    `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
}

func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionHours) * time.Hour
}

func (c *Config) MaxDailyHours() decimal.Decimal {
	return decimal.NewFromInt(int64(c.MaxHoursPerDay))
}

func (c *Config) ClockInRetryWindow() time.Duration {
	return time.Duration(c.ClockInRetryWindowSeconds) * time.Second
}

func (c *Config) ChannelLifetime() time.Duration {
	return time.Duration(c.ChannelLifetimeHours) * time.Hour
}

func (c *Config) ClosingExpiryWindow() time.Duration {
	return time.Duration(c.ClosingExpiryHours) * time.Hour
}

func (c *Config) ActivationTimeout() time.Duration {
	return time.Duration(c.ActivationTimeoutMinutes) * time.Minute
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalMillis) * time.Millisecond
}

// Tolerance returns the discrepancy epsilon. Validate guarantees it parses.
func (c *Config) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.DiscrepancyTolerance)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
		if isProduction {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	positives := map[string]int{
		"MAX_SESSION_HOURS":          c.MaxSessionHours,
		"MAX_HOURS_PER_DAY":          c.MaxHoursPerDay,
		"CHANNEL_LIFETIME_HOURS":     c.ChannelLifetimeHours,
		"CLOSING_EXPIRY_HOURS":       c.ClosingExpiryHours,
		"ACTIVATION_TIMEOUT_MINUTES": c.ActivationTimeoutMinutes,
		"RECONCILE_INTERVAL_SECONDS": c.ReconcileIntervalSeconds,
		"SWEEP_INTERVAL_SECONDS":     c.SweepIntervalSeconds,
		"VERIFY_ATTEMPTS":            c.VerifyAttempts,
		"RECONCILE_CONCURRENCY":      c.ReconcileConcurrency,
	}
	for name, v := range positives {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ClockInRetryWindowSeconds < 0 || c.VerifyIntervalMillis < 0 {
		return fmt.Errorf("CLOCK_IN_RETRY_WINDOW_SECONDS and VERIFY_INTERVAL_MILLIS must not be negative")
	}

	tol, err := decimal.NewFromString(c.DiscrepancyTolerance)
	if err != nil {
		return fmt.Errorf("DISCREPANCY_TOLERANCE must be a decimal: %w", err)
	}
	if tol.IsNegative() {
		return fmt.Errorf("DISCREPANCY_TOLERANCE must not be negative")
	}

	if isProduction {
		if err := validateSecret("AUTH_JWT_SECRET", c.AuthJWTSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if !strings.HasPrefix(c.LedgerGatewayURL, "https://") {
			log.Warn().Msg("LEDGER_GATEWAY_URL is not https in production")
		}
		if c.LedgerGatewayToken == "" {
			log.Warn().Msg("LEDGER_GATEWAY_TOKEN is empty in production: gateway requests are unauthenticated")
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
