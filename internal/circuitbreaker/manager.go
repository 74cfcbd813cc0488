package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/sbc-platform/payment-engine/internal/config"
)

// ServiceType identifies external call classes for breaker isolation.
// Each payment provider gets its own breaker so one degraded aggregator
// cannot trip calls to the others.
type ServiceType string

const (
	ServiceCinetPay     ServiceType = "cinetpay"
	ServiceFeexPay      ServiceType = "feexpay"
	ServiceNOWPayments  ServiceType = "nowpayments"
	ServiceUserService  ServiceType = "user_service"
	ServiceNotification ServiceType = "notification_service"
)

// Manager holds circuit breakers for the engine's external dependencies.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a breaker manager from application config.
// Gateway breakers share the gateway settings; sibling services share theirs.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	gw := fromServiceConfig(cfg.Gateways)
	svc := fromServiceConfig(cfg.Services)

	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}

	for _, s := range []ServiceType{ServiceCinetPay, ServiceFeexPay, ServiceNOWPayments} {
		m.breakers[s] = gobreaker.NewCircuitBreaker(toSettings(string(s), gw))
	}
	for _, s := range []ServiceType{ServiceUserService, ServiceNotification} {
		m.breakers[s] = gobreaker.NewCircuitBreaker(toSettings(string(s), svc))
	}
	return m
}

func fromServiceConfig(c config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         c.MaxRequests,
		Interval:            c.Interval.Duration,
		Timeout:             c.Timeout.Duration,
		ConsecutiveFailures: c.ConsecutiveFailures,
		FailureRatio:        c.FailureRatio,
		MinRequests:         c.MinRequests,
	}
}

// Execute wraps a call with circuit breaker protection. When breakers are
// disabled or the service has none, the call passes through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	cb, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return cb.Execute(fn)
}

// State returns the breaker state name for observability endpoints.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	cb, ok := m.breakers[service]
	if !ok {
		return "unknown"
	}
	return cb.State().String()
}

func toSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
	}
}
