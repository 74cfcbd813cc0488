package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Auth           AuthConfig           `yaml:"auth"`
	Storage        StorageConfig        `yaml:"storage"`
	Gateways       GatewaysConfig       `yaml:"gateways"`
	Services       ServicesConfig       `yaml:"services"`
	Withdrawals    WithdrawalsConfig    `yaml:"withdrawals"`
	Commissions    CommissionsConfig    `yaml:"commissions"`
	Activation     ActivationConfig     `yaml:"activation"`
	Conversion     ConversionConfig     `yaml:"conversion"`
	Reconciler     ReconcilerConfig     `yaml:"reconciler"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional key protecting /metrics
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// AuthConfig holds token validation secrets.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`     // HMAC secret for user/admin JWTs
	ServiceSecret string `yaml:"service_secret"` // Shared secret for service-to-service calls
}

// StorageConfig holds persistence backend configuration.
type StorageConfig struct {
	Backend       string             `yaml:"backend"`        // "memory", "mongodb" or "postgres"
	MongoURI      string             `yaml:"mongo_uri"`      // MongoDB connection string (DB_URI)
	MongoDatabase string             `yaml:"mongo_database"` // MongoDB database name
	PostgresURL   string             `yaml:"postgres_url"`   // PostgreSQL connection string
	PostgresPool  PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// GatewaysConfig holds per-provider credentials and endpoints.
type GatewaysConfig struct {
	CinetPay    CinetPayConfig    `yaml:"cinetpay"`
	FeexPay     FeexPayConfig     `yaml:"feexpay"`
	NOWPayments NOWPaymentsConfig `yaml:"nowpayments"`
	CallTimeout Duration          `yaml:"call_timeout"` // Per-call timeout for provider APIs (default: 10s)
}

// CinetPayConfig holds the card/mobile-money aggregator configuration.
type CinetPayConfig struct {
	APIKey           string `yaml:"api_key"`
	SiteID           string `yaml:"site_id"`
	BaseURL          string `yaml:"base_url"`
	TransferBaseURL  string `yaml:"transfer_base_url"` // Separate payout ("transfer") API
	TransferLogin    string `yaml:"transfer_login"`
	TransferPassword string `yaml:"transfer_password"`
	NotifyURL        string `yaml:"notify_url"` // Public webhook URL echoed to the provider
}

// FeexPayConfig holds the secondary mobile-money aggregator configuration.
type FeexPayConfig struct {
	APIKey    string `yaml:"api_key"`
	ShopID    string `yaml:"shop_id"`
	BaseURL   string `yaml:"base_url"`
	NotifyURL string `yaml:"notify_url"`
}

// NOWPaymentsConfig holds the crypto processor configuration.
type NOWPaymentsConfig struct {
	APIKey    string `yaml:"api_key"`
	IPNSecret string `yaml:"ipn_secret"` // HMAC-SHA512 webhook signing secret
	BaseURL   string `yaml:"base_url"`
	NotifyURL string `yaml:"notify_url"`
}

// ServicesConfig holds the sibling service endpoints consumed by the engine.
type ServicesConfig struct {
	UserServiceURL         string   `yaml:"user_service_url"`
	NotificationServiceURL string   `yaml:"notification_service_url"`
	CallTimeout            Duration `yaml:"call_timeout"` // default: 5s
}

// FeeRule computes a withdrawal fee as fixed atomic units plus a percentage
// of the amount. Either part may be zero.
type FeeRule struct {
	FixedAtomic int64   `yaml:"fixed"`   // In the withdrawal currency's atomic units
	Percent     float64 `yaml:"percent"` // 0-100
}

// WithdrawalsConfig holds the withdrawal pipeline limits and fees.
type WithdrawalsConfig struct {
	MinMobileMoneyXAF     int64    `yaml:"min_mobile_money_xaf"` // Minimum mobile-money amount (XAF)
	MinCryptoUSDCents     int64    `yaml:"min_crypto_usd_cents"` // Minimum crypto amount (USD cents)
	DailyLimitXAF         int64    `yaml:"daily_limit_xaf"`      // Rolling UTC-day cap on withdrawn XAF
	MaxPerDay             int      `yaml:"max_per_day"`          // Max successful withdrawals per UTC day
	OTPTTL                Duration `yaml:"otp_ttl"`              // default: 10m
	FeexpayPayoutsEnabled bool     `yaml:"feexpay_payouts_enabled"`
	MobileMoneyFee        FeeRule  `yaml:"mobile_money_fee"`
	CryptoFee             FeeRule  `yaml:"crypto_fee"`
}

// PlanSchedule is a three-level commission schedule in a fixed currency.
// Amounts are major-unit strings ("1000", "0.50") parsed at load time.
type PlanSchedule struct {
	Currency string   `yaml:"currency"`
	Levels   []string `yaml:"levels"`
}

// CommissionPlan carries the fiat and crypto schedules for one SKU.
// The schedule is selected by how the buyer paid; the credited currency is
// always the schedule's own.
type CommissionPlan struct {
	Fiat   PlanSchedule `yaml:"fiat"`
	Crypto PlanSchedule `yaml:"crypto"`
}

// CommissionsConfig maps payment types to their commission plans.
type CommissionsConfig struct {
	Plans map[string]CommissionPlan `yaml:"plans"`
}

// ActivationPrice is the sponsor-activation price of one SKU per balance class.
type ActivationPrice struct {
	XAF string `yaml:"xaf"` // Major-unit XAF price
	USD string `yaml:"usd"` // Major-unit USD price
}

// ActivationConfig holds the activation sub-ledger pricing and commission plans.
type ActivationConfig struct {
	Pricing map[string]ActivationPrice `yaml:"pricing"`
	Plans   map[string]CommissionPlan  `yaml:"plans"`
}

// ConversionConfig holds the unsupported-fiat to USD conversion table used by
// the crypto processor adapter. Rates drift; the adapter warns on every use.
type ConversionConfig struct {
	USDRates map[string]float64 `yaml:"usd_rates"`
}

// ReconcilerConfig holds the stuck-transaction poller settings.
type ReconcilerConfig struct {
	Interval    Duration `yaml:"interval"`     // default: 5m
	BatchSize   int      `yaml:"batch_size"`   // default: 100
	CallSpacing Duration `yaml:"call_spacing"` // Minimum gap between provider calls (default: 1s)
	Staleness   Duration `yaml:"staleness"`    // Minimum age before a record is polled (default: 0)
}

// RateLimitConfig holds request throttling settings.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"` // Per-IP API limit (default: 120)
	WebhooksPerMinute int `yaml:"webhooks_per_minute"` // Per-IP webhook ingress limit (default: 600)
}

// CircuitBreakerConfig holds circuit breaker configuration for external calls.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Gateways BreakerServiceConfig `yaml:"gateways"` // Payment provider APIs
	Services BreakerServiceConfig `yaml:"services"` // Sibling SBC services
}

// BreakerServiceConfig configures a circuit breaker for one external service class.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Half-open request budget (default: 3)
	Interval            Duration `yaml:"interval"`             // Closed-state stats reset (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open-state duration (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Trip threshold (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Trip ratio 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Requests before ratio applies (default: 10)
}
