package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/httputil"
	"github.com/sbc-platform/payment-engine/internal/metrics"
)

// Registry holds the configured provider adapters.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry builds adapters from config. All adapters share one pooled
// HTTP client and the gateway circuit breaker group.
func NewRegistry(cfg config.GatewaysConfig, conv config.ConversionConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	timeout := cfg.CallTimeout.Duration
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := httputil.NewClient(timeout)

	r := &Registry{adapters: make(map[Name]Adapter)}
	r.adapters[CinetPay] = NewCinetPayAdapter(cfg.CinetPay, client, breakers, m, logger)
	r.adapters[FeexPay] = NewFeexPayAdapter(cfg.FeexPay, client, breakers, m, logger)
	r.adapters[NOWPayments] = NewNOWPaymentsAdapter(cfg.NOWPayments, conv, client, breakers, m, logger)
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name Name) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
	return a, nil
}

// Payout returns the payout-capable view of a provider.
func (r *Registry) Payout(name Name) (PayoutProvider, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := a.(PayoutProvider)
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot disburse", name)
	}
	return p, nil
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// classifyHTTPError maps transport results onto the retry taxonomy.
func classifyHTTPError(resp *http.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: provider throttled", ErrUnavailable)
	}
	return nil
}
