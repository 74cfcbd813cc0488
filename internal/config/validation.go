package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for startup-blocking problems.
// A validation failure is fatal: the process must exit non-zero rather than
// run with a half-configured payment pipeline.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret (JWT_SECRET) is required")
	}
	if c.Auth.ServiceSecret == "" {
		problems = append(problems, "auth.service_secret (SERVICE_SECRET) is required")
	}

	switch c.Storage.Backend {
	case "", "memory":
		// Memory is the dev fallback; DB_URI promotes to mongodb below.
	case "mongodb":
		if c.Storage.MongoURI == "" {
			problems = append(problems, "storage.mongo_uri (DB_URI) required for mongodb backend")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			problems = append(problems, "storage.postgres_url (POSTGRES_URL) required for postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	// Backend auto-detection mirrors the rest of the platform: a DB_URI with
	// no explicit backend means mongodb.
	if c.Storage.Backend == "" && c.Storage.MongoURI != "" {
		c.Storage.Backend = "mongodb"
	}
	if c.Storage.Backend == "" && c.Storage.PostgresURL != "" {
		c.Storage.Backend = "postgres"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	if c.Services.UserServiceURL == "" {
		problems = append(problems, "services.user_service_url (USER_SERVICE_URL) is required")
	}

	if c.Withdrawals.DailyLimitXAF <= 0 {
		problems = append(problems, "withdrawals.daily_limit_xaf must be positive")
	}
	if c.Withdrawals.MaxPerDay <= 0 {
		problems = append(problems, "withdrawals.max_per_day must be positive")
	}
	if c.Withdrawals.MinMobileMoneyXAF <= 0 || c.Withdrawals.MinMobileMoneyXAF%5 != 0 {
		problems = append(problems, "withdrawals.min_mobile_money_xaf must be a positive multiple of 5")
	}

	for sku, plan := range c.Commissions.Plans {
		if err := validateSchedule(plan.Fiat); err != nil {
			problems = append(problems, fmt.Sprintf("commissions.plans.%s.fiat: %v", sku, err))
		}
		if err := validateSchedule(plan.Crypto); err != nil {
			problems = append(problems, fmt.Sprintf("commissions.plans.%s.crypto: %v", sku, err))
		}
	}
	for sku, plan := range c.Activation.Plans {
		if err := validateSchedule(plan.Fiat); err != nil {
			problems = append(problems, fmt.Sprintf("activation.plans.%s.fiat: %v", sku, err))
		}
	}
	for sku, price := range c.Activation.Pricing {
		if price.XAF == "" || price.USD == "" {
			problems = append(problems, fmt.Sprintf("activation.pricing.%s must carry both xaf and usd prices", sku))
		}
	}

	if c.Reconciler.BatchSize <= 0 || c.Reconciler.BatchSize > 100 {
		problems = append(problems, "reconciler.batch_size must be in 1..100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateSchedule(s PlanSchedule) error {
	if s.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if len(s.Levels) == 0 || len(s.Levels) > 3 {
		return fmt.Errorf("levels must have 1..3 entries, got %d", len(s.Levels))
	}
	return nil
}
