package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// setRequiredEnv satisfies Validate so tests can exercise other settings.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("SERVICE_SECRET", "test-service-secret")
	t.Setenv("USER_SERVICE_URL", "http://user-service:3001")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want 10s", cfg.Server.ShutdownTimeout.Duration)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q, want memory fallback", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Withdrawals.DailyLimitXAF != 500000 || cfg.Withdrawals.MaxPerDay != 3 {
		t.Errorf("withdrawal limits = %d/%d", cfg.Withdrawals.DailyLimitXAF, cfg.Withdrawals.MaxPerDay)
	}
	if cfg.Withdrawals.OTPTTL.Duration != 10*time.Minute {
		t.Errorf("otp ttl = %v, want 10m", cfg.Withdrawals.OTPTTL.Duration)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.WebhooksPerMinute != 600 {
		t.Errorf("rate limits = %d/%d", cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.WebhooksPerMinute)
	}

	plan, ok := cfg.Commissions.Plans["SUBSCRIPTION_CLASSIQUE"]
	if !ok {
		t.Fatal("default commission plan SUBSCRIPTION_CLASSIQUE missing")
	}
	if len(plan.Fiat.Levels) != 3 || plan.Fiat.Levels[0] != "1000" {
		t.Errorf("classique fiat levels = %v", plan.Fiat.Levels)
	}
	if price := cfg.Activation.Pricing["CIBLE"]; price.XAF != "5000" || price.USD != "10" {
		t.Errorf("cible activation price = %+v", price)
	}
}

func TestLoadFile(t *testing.T) {
	setRequiredEnv(t)

	path := writeConfigFile(t, `
server:
  address: ":9090"
  read_timeout: 45s
  shutdown_timeout: 30
storage:
  backend: memory
withdrawals:
  min_mobile_money_xaf: 1000
  daily_limit_xaf: 250000
  mobile_money_fee:
    percent: 2.5
reconciler:
  interval: 2m
  batch_size: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration != 45*time.Second {
		t.Errorf("read timeout = %v, want 45s", cfg.Server.ReadTimeout.Duration)
	}
	// Bare numbers parse as seconds.
	if cfg.Server.ShutdownTimeout.Duration != 30*time.Second {
		t.Errorf("shutdown timeout = %v, want 30s", cfg.Server.ShutdownTimeout.Duration)
	}
	if cfg.Withdrawals.MinMobileMoneyXAF != 1000 || cfg.Withdrawals.DailyLimitXAF != 250000 {
		t.Errorf("withdrawal limits = %d/%d", cfg.Withdrawals.MinMobileMoneyXAF, cfg.Withdrawals.DailyLimitXAF)
	}
	if cfg.Withdrawals.MobileMoneyFee.Percent != 2.5 {
		t.Errorf("mobile money fee = %v", cfg.Withdrawals.MobileMoneyFee.Percent)
	}
	if cfg.Reconciler.Interval.Duration != 2*time.Minute || cfg.Reconciler.BatchSize != 50 {
		t.Errorf("reconciler = %v/%d", cfg.Reconciler.Interval.Duration, cfg.Reconciler.BatchSize)
	}
	// Untouched keys keep their defaults.
	if cfg.Withdrawals.MaxPerDay != 3 {
		t.Errorf("max per day = %d, want default 3", cfg.Withdrawals.MaxPerDay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setRequiredEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "4004")
	t.Setenv("DB_URI", "mongodb://localhost:27017")
	t.Setenv("DB_NAME", "sbc_payment_test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("DAILY_WITHDRAWAL_LIMIT", "750000")
	t.Setenv("MAX_WITHDRAWALS_PER_DAY", "5")
	t.Setenv("FEEXPAY_WITHDRAWALS_ENABLED", "true")
	t.Setenv("WITHDRAWAL_OTP_TTL", "5m")
	t.Setenv("IPN_SECRET", "ipn-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":4004" {
		t.Errorf("address = %q, want :4004", cfg.Server.Address)
	}
	// A DB_URI with no explicit backend selects mongodb.
	if cfg.Storage.Backend != "mongodb" {
		t.Errorf("backend = %q, want mongodb", cfg.Storage.Backend)
	}
	if cfg.Storage.MongoDatabase != "sbc_payment_test" {
		t.Errorf("database = %q", cfg.Storage.MongoDatabase)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Environment != "production" {
		t.Errorf("logging = %q/%q", cfg.Logging.Level, cfg.Logging.Environment)
	}
	if cfg.Withdrawals.DailyLimitXAF != 750000 || cfg.Withdrawals.MaxPerDay != 5 {
		t.Errorf("withdrawal limits = %d/%d", cfg.Withdrawals.DailyLimitXAF, cfg.Withdrawals.MaxPerDay)
	}
	if !cfg.Withdrawals.FeexpayPayoutsEnabled {
		t.Error("feexpay payouts should be enabled")
	}
	if cfg.Withdrawals.OTPTTL.Duration != 5*time.Minute {
		t.Errorf("otp ttl = %v, want 5m", cfg.Withdrawals.OTPTTL.Duration)
	}
	if cfg.Gateways.NOWPayments.IPNSecret != "ipn-secret" {
		t.Errorf("ipn secret = %q", cfg.Gateways.NOWPayments.IPNSecret)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"missing jwt secret",
			func(c *Config) { c.Auth.JWTSecret = "" },
			"jwt_secret",
		},
		{
			"missing service secret",
			func(c *Config) { c.Auth.ServiceSecret = "" },
			"service_secret",
		},
		{
			"postgres without url",
			func(c *Config) { c.Storage.Backend = "postgres" },
			"postgres_url",
		},
		{
			"unknown backend",
			func(c *Config) { c.Storage.Backend = "sqlite" },
			"unknown storage backend",
		},
		{
			"missing user service",
			func(c *Config) { c.Services.UserServiceURL = "" },
			"user_service_url",
		},
		{
			"daily limit not positive",
			func(c *Config) { c.Withdrawals.DailyLimitXAF = 0 },
			"daily_limit_xaf",
		},
		{
			"min not multiple of five",
			func(c *Config) { c.Withdrawals.MinMobileMoneyXAF = 502 },
			"multiple of 5",
		},
		{
			"too many commission levels",
			func(c *Config) {
				c.Commissions.Plans["BROKEN"] = CommissionPlan{
					Fiat:   PlanSchedule{Currency: "XAF", Levels: []string{"1", "2", "3", "4"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"1"}},
				}
			},
			"levels must have 1..3",
		},
		{
			"schedule without currency",
			func(c *Config) {
				c.Commissions.Plans["BROKEN"] = CommissionPlan{
					Fiat:   PlanSchedule{Levels: []string{"1"}},
					Crypto: PlanSchedule{Currency: "USD", Levels: []string{"1"}},
				}
			},
			"currency is required",
		},
		{
			"activation price missing usd",
			func(c *Config) {
				c.Activation.Pricing["BROKEN"] = ActivationPrice{XAF: "2000"}
			},
			"activation.pricing.BROKEN",
		},
		{
			"batch size out of range",
			func(c *Config) { c.Reconciler.BatchSize = 500 },
			"batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Auth.JWTSecret = "jwt"
			cfg.Auth.ServiceSecret = "svc"
			cfg.Services.UserServiceURL = "http://user-service:3001"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateBackendAutoDetect(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth.JWTSecret = "jwt"
	cfg.Auth.ServiceSecret = "svc"
	cfg.Services.UserServiceURL = "http://user-service:3001"
	cfg.Storage.PostgresURL = "postgres://localhost/sbc"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres auto-detected", cfg.Storage.Backend)
	}
}

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{"go style", `d: 5m`, 5 * time.Minute, false},
		{"compound", `d: 1h30m`, 90 * time.Minute, false},
		{"bare seconds", `d: 90`, 90 * time.Second, false},
		{"quoted", `d: "15s"`, 15 * time.Second, false},
		{"empty", `d: ""`, 0, false},
		{"garbage", `d: soon`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.D.Duration != tt.want {
				t.Errorf("duration = %v, want %v", out.D.Duration, tt.want)
			}
		})
	}
}
