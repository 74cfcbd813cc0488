package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment engine.
type Metrics struct {
	// Payment intent metrics
	IntentsTotal       *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	PaymentAmountTotal *prometheus.CounterVec

	// Webhook ingress metrics
	WebhooksTotal *prometheus.CounterVec

	// Withdrawal pipeline metrics
	WithdrawalsTotal        *prometheus.CounterVec
	WithdrawalAmountTotal   *prometheus.CounterVec
	WithdrawalsBlockedTotal *prometheus.CounterVec

	// Commission metrics
	CommissionCreditsTotal *prometheus.CounterVec
	CommissionAmountTotal  *prometheus.CounterVec
	CommissionSkippedTotal *prometheus.CounterVec

	// Gateway call metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Reconciler metrics
	ReconcilerCyclesTotal  prometheus.Counter
	ReconcilerChecked      prometheus.Counter
	ReconcilerPromoted     *prometheus.CounterVec
	ReconcilerCycleSeconds prometheus.Histogram

	// Balance metrics
	BalanceAdjustmentsTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		IntentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_payment_intents_total",
				Help: "Total number of payment intents created",
			},
			[]string{"gateway", "payment_type"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_settlements_total",
				Help: "Total number of intent settlements by outcome",
			},
			[]string{"gateway", "outcome"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sbc_settlement_duration_seconds",
				Help:    "Time from intent creation to terminal settlement",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"gateway"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_payment_amount_atomic_total",
				Help: "Total settled payment amount in atomic currency units",
			},
			[]string{"gateway", "currency"},
		),
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_gateway_webhooks_total",
				Help: "Total provider webhook deliveries by result",
			},
			[]string{"gateway", "kind", "result"},
		),
		WithdrawalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_withdrawals_total",
				Help: "Withdrawal pipeline transitions by type and status",
			},
			[]string{"type", "status"},
		),
		WithdrawalAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_withdrawal_amount_atomic_total",
				Help: "Total completed withdrawal amount in atomic currency units",
			},
			[]string{"type", "currency"},
		),
		WithdrawalsBlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_withdrawals_blocked_total",
				Help: "Withdrawal attempts blocked before OTP issuance",
			},
			[]string{"reason"},
		),
		CommissionCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_commission_credits_total",
				Help: "Referral commission credits by level",
			},
			[]string{"level", "currency"},
		),
		CommissionAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_commission_amount_atomic_total",
				Help: "Total commission amount credited in atomic currency units",
			},
			[]string{"level", "currency"},
		),
		CommissionSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_commission_skipped_total",
				Help: "Commission credits skipped (already distributed or no referrer)",
			},
			[]string{"reason"},
		),
		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_gateway_calls_total",
				Help: "Outbound provider API calls",
			},
			[]string{"gateway", "operation"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sbc_gateway_call_duration_seconds",
				Help:    "Duration of outbound provider API calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"gateway", "operation"},
		),
		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_gateway_errors_total",
				Help: "Failed outbound provider API calls by error class",
			},
			[]string{"gateway", "operation", "class"},
		),
		ReconcilerCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sbc_reconciler_cycles_total",
				Help: "Completed reconciliation cycles",
			},
		),
		ReconcilerChecked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sbc_reconciler_checked_total",
				Help: "Transactions polled against provider status APIs",
			},
		),
		ReconcilerPromoted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_reconciler_promoted_total",
				Help: "Transactions driven to a terminal state by the reconciler",
			},
			[]string{"status"},
		),
		ReconcilerCycleSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sbc_reconciler_cycle_duration_seconds",
				Help:    "Duration of one reconciliation cycle",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120},
			},
		),
		BalanceAdjustmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_balance_adjustments_total",
				Help: "Balance view adjustments by class and direction",
			},
			[]string{"class", "direction"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbc_http_requests_total",
				Help: "HTTP requests by route pattern and status class",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sbc_http_request_duration_seconds",
				Help:    "HTTP request duration by route pattern",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveGatewayCall records one outbound provider call.
func (m *Metrics) ObserveGatewayCall(gateway, operation string, d time.Duration, err error, errClass string) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(gateway, operation).Inc()
	m.GatewayCallDuration.WithLabelValues(gateway, operation).Observe(d.Seconds())
	if err != nil {
		m.GatewayErrorsTotal.WithLabelValues(gateway, operation, errClass).Inc()
	}
}
