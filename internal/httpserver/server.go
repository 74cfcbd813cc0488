// Package httpserver exposes the payment engine over HTTP: the user surface,
// the admin surface, the service-to-service surface and the provider webhook
// ingress. Every response is rendered in the platform envelope.
package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/activation"
	"github.com/sbc-platform/payment-engine/internal/auth"
	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/payment"
	"github.com/sbc-platform/payment-engine/internal/userclient"
	"github.com/sbc-platform/payment-engine/internal/withdrawal"
)

// Sweeper triggers reconciliation sweeps. *reconcile.Worker implements it.
type Sweeper interface {
	Sweep(ctx context.Context)
	SweepOne(ctx context.Context, transactionID string) error
}

// AdapterLister exposes the configured provider adapters for the admin
// balance view. *gateway.Registry implements it.
type AdapterLister interface {
	All() []gateway.Adapter
}

// CommissionRepairer backfills missing commission records for a settled
// session. *commission.Engine implements it.
type CommissionRepairer interface {
	RepairSession(ctx context.Context, sessionID string) error
}

// Server wires the engine's components to their HTTP routes.
type Server struct {
	cfg         *config.Config
	payments    *payment.Manager
	withdrawals *withdrawal.Orchestrator
	activations *activation.Service
	commissions CommissionRepairer
	ledger      ledger.Store
	balances    *balance.Service
	users       userclient.Directory
	gateways    AdapterLister
	sweeper     Sweeper
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New creates the HTTP server.
func New(
	cfg *config.Config,
	payments *payment.Manager,
	withdrawals *withdrawal.Orchestrator,
	activations *activation.Service,
	commissions CommissionRepairer,
	ledgerStore ledger.Store,
	balances *balance.Service,
	users userclient.Directory,
	gateways AdapterLister,
	sweeper Sweeper,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		cfg:         cfg,
		payments:    payments,
		withdrawals: withdrawals,
		activations: activations,
		commissions: commissions,
		ledger:      ledgerStore,
		balances:    balances,
		users:       users,
		gateways:    gateways,
		sweeper:     sweeper,
		metrics:     m,
		logger:      log.With().Str("component", "http").Logger(),
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(logger.Middleware(s.logger))
	r.Use(s.observe)
	r.Use(securityHeaders)

	origins := s.cfg.Server.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Service-Secret", "X-Service-Name"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	// Provider callbacks are unauthenticated and get their own rate budget.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.webhooksPerMinute(), time.Minute))
		r.Post("/api/payments/webhooks/{gateway}", s.handleWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.requestsPerMinute(), time.Minute))

		// User surface: bearer JWT.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.cfg.Auth.JWTSecret))

			r.Post("/api/payments/intent", s.handleCreateIntent)
			r.Get("/api/payments/status/{sessionId}", s.handlePaymentStatus)

			r.Get("/api/transactions/history", s.handleHistory)
			r.Post("/api/transactions/withdrawal/initiate", s.handleWithdrawalInitiate)
			r.Get("/api/transactions/withdrawal/estimate", s.handleWithdrawalEstimate)
			r.Post("/api/transactions/withdrawal/verify", s.handleWithdrawalVerify)
			r.Delete("/api/transactions/withdrawal/{id}/cancel", s.handleWithdrawalCancel)
			r.Get("/api/transactions/{id}", s.handleTransaction)

			r.Post("/api/activation-balance/transfer", s.handleActivationTransfer)
			r.Post("/api/activation-balance/transfer-to-user", s.handleActivationTransferToUser)
			r.Post("/api/activation-balance/sponsor", s.handleActivationSponsor)
			r.Get("/api/activation-balance/referrals/activatable", s.handleActivatableReferrals)
			r.Get("/api/activation-balance/referrals/upgradable", s.handleUpgradableReferrals)

			// Admin surface: same JWT, admin role.
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Post("/api/admin/withdrawals/{id}/approve", s.handleAdminApprove)
				r.Post("/api/admin/withdrawals/{id}/reject", s.handleAdminReject)
				r.Get("/api/admin/withdrawals/pending", s.handleAdminPending)
				r.Get("/api/admin/withdrawals/validated", s.handleAdminValidated)
				r.Get("/api/admin/gateway-balances", s.handleGatewayBalances)
				r.Get("/api/admin/transactions", s.handleAdminTransactions)
				r.Get("/api/admin/transactions/processing-stats", s.handleProcessingStats)
				r.Post("/api/admin/transactions/check-all", s.handleCheckAll)
				r.Post("/api/admin/commissions/repair", s.handleCommissionRepair)
			})
		})

		// Service-to-service surface: shared secret.
		r.Group(func(r chi.Router) {
			r.Use(auth.ServiceSecret(s.cfg.Auth.ServiceSecret))

			r.Post("/api/internal/deposit", s.handleInternalDeposit)
			r.Post("/api/internal/withdrawal", s.handleInternalWithdrawal)
			r.Post("/api/internal/conversion", s.handleInternalConversion)
			r.Get("/api/internal/user/{id}/has-pending-transactions", s.handleHasPending)
		})
	})

	return r
}

// ListenAndServe runs the server until the context is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Address,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: s.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  s.cfg.Server.IdleTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("address", srv.Addr).Msg("http.listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout.Duration
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http.shutdown_forced")
		return err
	}
	s.logger.Info().Msg("http.stopped")
	return nil
}

func (s *Server) requestsPerMinute() int {
	if s.cfg.RateLimit.RequestsPerMinute > 0 {
		return s.cfg.RateLimit.RequestsPerMinute
	}
	return 120
}

func (s *Server) webhooksPerMinute() int {
	if s.cfg.RateLimit.WebhooksPerMinute > 0 {
		return s.cfg.RateLimit.WebhooksPerMinute
	}
	return 600
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// metricsHandler serves Prometheus metrics, optionally behind an API key.
func (s *Server) metricsHandler() http.Handler {
	h := promhttp.Handler()
	key := s.cfg.Server.AdminMetricsAPIKey
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Metrics-Key")), []byte(key)) != 1 {
			apperrors.WriteSimpleError(w, apperrors.CodeUnauthorized, "invalid metrics key")
			return
		}
		h.ServeHTTP(w, r)
	})
}

// observe records per-route request counts and latencies.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.status/100)+"xx").Inc()
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
