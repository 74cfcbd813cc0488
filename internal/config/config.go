package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults. Commission plans and
// activation pricing default to the platform's published tables so a bare
// deployment distributes the documented amounts.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 30 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			ShutdownTimeout: Duration{Duration: 10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "development",
		},
		Storage: StorageConfig{
			Backend:       "",
			MongoDatabase: "sbc_payment",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Gateways: GatewaysConfig{
			CinetPay: CinetPayConfig{
				BaseURL:         "https://api-checkout.cinetpay.com/v2",
				TransferBaseURL: "https://client.cinetpay.com/v1",
			},
			FeexPay: FeexPayConfig{
				BaseURL: "https://api.feexpay.me/api",
			},
			NOWPayments: NOWPaymentsConfig{
				BaseURL: "https://api.nowpayments.io/v1",
			},
			CallTimeout: Duration{Duration: 10 * time.Second},
		},
		Services: ServicesConfig{
			CallTimeout: Duration{Duration: 5 * time.Second},
		},
		Withdrawals: WithdrawalsConfig{
			MinMobileMoneyXAF:     500,
			MinCryptoUSDCents:     1000, // 10 USD
			DailyLimitXAF:         500000,
			MaxPerDay:             3,
			OTPTTL:                Duration{Duration: 10 * time.Minute},
			FeexpayPayoutsEnabled: false,
			MobileMoneyFee:        FeeRule{Percent: 1},
			CryptoFee:             FeeRule{FixedAtomic: 100}, // 1 USD
		},
		Commissions: CommissionsConfig{
			Plans: map[string]CommissionPlan{
				"SUBSCRIPTION_CLASSIQUE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"1000", "500", "250"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"2", "1", "0.5"}},
				},
				"SUBSCRIPTION_CIBLE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"2500", "1250", "625"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"5", "2.5", "1.25"}},
				},
				"SUBSCRIPTION_UPGRADE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"1500", "750", "375"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"3", "1.5", "0.75"}},
				},
			},
		},
		Activation: ActivationConfig{
			Pricing: map[string]ActivationPrice{
				"CLASSIQUE": {XAF: "2000", USD: "4"},
				"CIBLE":     {XAF: "5000", USD: "10"},
				"UPGRADE":   {XAF: "3000", USD: "6"},
			},
			Plans: map[string]CommissionPlan{
				"CLASSIQUE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"1000", "500", "250"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"2", "1", "0.5"}},
				},
				"CIBLE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"2500", "1250", "625"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"5", "2.5", "1.25"}},
				},
				"UPGRADE": {
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"1500", "750", "375"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"3", "1.5", "0.75"}},
				},
			},
		},
		Conversion: ConversionConfig{
			USDRates: map[string]float64{
				"XAF": 0.0016,
				"XOF": 0.0016,
				"GNF": 0.00012,
				"CDF": 0.0004,
				"KES": 0.0067,
			},
		},
		Reconciler: ReconcilerConfig{
			Interval:    Duration{Duration: 5 * time.Minute},
			BatchSize:   100,
			CallSpacing: Duration{Duration: 1 * time.Second},
			Staleness:   Duration{Duration: 0},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			WebhooksPerMinute: 600,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Gateways: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Services: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
