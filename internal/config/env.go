package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. Variable
// names follow the platform-wide convention shared by the other SBC services
// (PORT, DB_URI, JWT_SECRET, ...) rather than a config-path prefix.
func (c *Config) applyEnvOverrides() {
	// Server
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ADMIN_METRICS_API_KEY")

	// Logging / environment
	setIfEnv(&c.Logging.Level, "LOG_LEVEL")
	setIfEnv(&c.Logging.Environment, "NODE_ENV")
	setIfEnv(&c.Logging.Environment, "MODE")

	// Auth
	setIfEnv(&c.Auth.JWTSecret, "JWT_SECRET")
	setIfEnv(&c.Auth.ServiceSecret, "SERVICE_SECRET")

	// Storage
	setIfEnv(&c.Storage.Backend, "STORAGE_BACKEND")
	setIfEnv(&c.Storage.MongoURI, "DB_URI")
	setIfEnv(&c.Storage.MongoDatabase, "DB_NAME")
	setIfEnv(&c.Storage.PostgresURL, "POSTGRES_URL")

	// Gateways
	setIfEnv(&c.Gateways.CinetPay.APIKey, "CINETPAY_API_KEY")
	setIfEnv(&c.Gateways.CinetPay.SiteID, "CINETPAY_SITE_ID")
	setIfEnv(&c.Gateways.CinetPay.BaseURL, "CINETPAY_BASE_URL")
	setIfEnv(&c.Gateways.CinetPay.TransferBaseURL, "CINETPAY_TRANSFER_BASE_URL")
	setIfEnv(&c.Gateways.CinetPay.TransferLogin, "CINETPAY_TRANSFER_LOGIN")
	setIfEnv(&c.Gateways.CinetPay.TransferPassword, "CINETPAY_TRANSFER_PASSWORD")
	setIfEnv(&c.Gateways.CinetPay.NotifyURL, "CINETPAY_NOTIFY_URL")

	setIfEnv(&c.Gateways.FeexPay.APIKey, "FEEXPAY_API_KEY")
	setIfEnv(&c.Gateways.FeexPay.ShopID, "FEEXPAY_SHOP_ID")
	setIfEnv(&c.Gateways.FeexPay.BaseURL, "FEEXPAY_BASE_URL")
	setIfEnv(&c.Gateways.FeexPay.NotifyURL, "FEEXPAY_NOTIFY_URL")

	setIfEnv(&c.Gateways.NOWPayments.APIKey, "NOWPAYMENTS_API_KEY")
	setIfEnv(&c.Gateways.NOWPayments.IPNSecret, "IPN_SECRET")
	setIfEnv(&c.Gateways.NOWPayments.BaseURL, "NOWPAYMENTS_BASE_URL")
	setIfEnv(&c.Gateways.NOWPayments.NotifyURL, "NOWPAYMENTS_NOTIFY_URL")

	// Sibling services
	setIfEnv(&c.Services.UserServiceURL, "USER_SERVICE_URL")
	setIfEnv(&c.Services.NotificationServiceURL, "NOTIFICATION_SERVICE_URL")

	// Withdrawal limits and flags
	setInt64IfEnv(&c.Withdrawals.DailyLimitXAF, "DAILY_WITHDRAWAL_LIMIT")
	setIntIfEnv(&c.Withdrawals.MaxPerDay, "MAX_WITHDRAWALS_PER_DAY")
	setBoolIfEnv(&c.Withdrawals.FeexpayPayoutsEnabled, "FEEXPAY_WITHDRAWALS_ENABLED")
	setDurationIfEnv(&c.Withdrawals.OTPTTL, "WITHDRAWAL_OTP_TTL")

	// Reconciler
	setDurationIfEnv(&c.Reconciler.Interval, "RECONCILER_INTERVAL")
	setIntIfEnv(&c.Reconciler.BatchSize, "RECONCILER_BATCH_SIZE")
	setDurationIfEnv(&c.Reconciler.Staleness, "RECONCILER_STALENESS")
}

// setIfEnv sets a string target to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean target from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int target from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 target from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration target from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
