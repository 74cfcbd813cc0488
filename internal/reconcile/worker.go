// Package reconcile sweeps stuck transactions against provider status APIs.
// It is the safety net behind lost webhooks and mid-dispatch crashes: any
// processing withdrawal or stale payment intent is eventually re-checked and
// driven to a terminal state through the normal pipeline paths.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/payment"
	"github.com/sbc-platform/payment-engine/internal/withdrawal"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultBatchSize   = 100
	defaultCallSpacing = time.Second
)

// PaymentReconciler is the payment-side surface the worker drives.
// *payment.Manager implements it.
type PaymentReconciler interface {
	FindStale(ctx context.Context, name gateway.Name, olderThan time.Time, limit int) ([]payment.Intent, error)
	Reconcile(ctx context.Context, sessionID string) error
	GetBySession(ctx context.Context, sessionID string) (payment.Intent, error)
}

// WithdrawalConfirmer applies payout outcomes. *withdrawal.Orchestrator
// implements it.
type WithdrawalConfirmer interface {
	ConfirmPayout(ctx context.Context, transactionID string, outcome gateway.Outcome, rawStatus, externalID string) (ledger.Transaction, error)
}

// Worker is the periodic reconciliation loop.
type Worker struct {
	cfg         config.ReconcilerConfig
	ledger      ledger.Store
	payments    PaymentReconciler
	withdrawals WithdrawalConfirmer
	payouts     withdrawal.PayoutRegistry
	gateways    []gateway.Name
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates the reconciliation worker.
func NewWorker(
	cfg config.ReconcilerConfig,
	ledgerStore ledger.Store,
	payments PaymentReconciler,
	withdrawals WithdrawalConfirmer,
	payouts withdrawal.PayoutRegistry,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		cfg:         cfg,
		ledger:      ledgerStore,
		payments:    payments,
		withdrawals: withdrawals,
		payouts:     payouts,
		gateways:    []gateway.Name{gateway.CinetPay, gateway.FeexPay, gateway.NOWPayments},
		metrics:     m,
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
}

func (w *Worker) interval() time.Duration {
	if w.cfg.Interval.Duration > 0 {
		return w.cfg.Interval.Duration
	}
	return defaultInterval
}

func (w *Worker) batchSize() int {
	if w.cfg.BatchSize > 0 {
		return w.cfg.BatchSize
	}
	return defaultBatchSize
}

func (w *Worker) spacing() time.Duration {
	if w.cfg.CallSpacing.Duration > 0 {
		return w.cfg.CallSpacing.Duration
	}
	return defaultCallSpacing
}

// Start launches the loop in its own goroutine. Stop shuts it down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval())
		defer ticker.Stop()

		w.logger.Info().Dur("interval", w.interval()).Msg("reconciler.started")
		for {
			select {
			case <-ctx.Done():
				w.logger.Info().Msg("reconciler.stopped")
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current sweep to finish.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Sweep runs one full reconciliation cycle: stuck withdrawals first, then
// stale payment intents per gateway, within one shared batch budget.
func (w *Worker) Sweep(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-w.cfg.Staleness.Duration)
	budget := w.batchSize()

	checked := w.sweepWithdrawals(ctx, cutoff, budget)
	budget -= checked
	for _, name := range w.gateways {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		n := w.sweepPayments(ctx, name, cutoff, budget)
		checked += n
		budget -= n
	}

	if w.metrics != nil {
		w.metrics.ReconcilerCyclesTotal.Inc()
		w.metrics.ReconcilerCycleSeconds.Observe(time.Since(start).Seconds())
	}
	if checked > 0 {
		w.logger.Info().
			Int("checked", checked).
			Dur("took", time.Since(start)).
			Msg("reconciler.cycle_done")
	}
}

func (w *Worker) sweepWithdrawals(ctx context.Context, cutoff time.Time, limit int) int {
	txs, err := w.ledger.FindProcessingWithdrawals(ctx, cutoff, limit)
	if err != nil {
		w.logger.Error().Err(err).Msg("reconciler.withdrawal_query_failed")
		return 0
	}

	checked := 0
	for i := range txs {
		if ctx.Err() != nil {
			return checked
		}
		if checked > 0 && !w.pause(ctx) {
			return checked
		}
		w.checkWithdrawal(ctx, &txs[i])
		checked++
	}
	return checked
}

func (w *Worker) checkWithdrawal(ctx context.Context, tx *ledger.Transaction) {
	service := gateway.Name(tx.MetaValue(ledger.MetaSelectedPayoutService))
	provider, err := w.payouts.Payout(service)
	if err != nil {
		w.logger.Error().Err(err).
			Str("transactionId", tx.TransactionID).
			Str("service", string(service)).
			Msg("reconciler.no_payout_provider")
		return
	}

	if w.metrics != nil {
		w.metrics.ReconcilerChecked.Inc()
	}
	status, err := provider.CheckPayoutStatus(ctx, tx.TransactionID)
	if err != nil {
		w.stamp(ctx, tx.TransactionID)
		w.logger.Warn().Err(err).
			Str("transactionId", tx.TransactionID).
			Msg("reconciler.payout_check_failed")
		return
	}

	updated, err := w.withdrawals.ConfirmPayout(ctx, tx.TransactionID, status.Outcome, status.RawStatus, status.ExternalID)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn().Err(err).
			Str("transactionId", tx.TransactionID).
			Str("outcome", string(status.Outcome)).
			Msg("reconciler.payout_confirm_failed")
	}
	if updated.Status.IsTerminal() && updated.Status != tx.Status {
		w.promoted(string(updated.Status))
		w.logger.Info().
			Str("transactionId", tx.TransactionID).
			Str("status", string(updated.Status)).
			Msg("reconciler.withdrawal_promoted")
	}
}

func (w *Worker) sweepPayments(ctx context.Context, name gateway.Name, cutoff time.Time, limit int) int {
	intents, err := w.payments.FindStale(ctx, name, cutoff, limit)
	if err != nil {
		w.logger.Error().Err(err).
			Str("gateway", string(name)).
			Msg("reconciler.intent_query_failed")
		return 0
	}

	checked := 0
	for i := range intents {
		if ctx.Err() != nil {
			return checked
		}
		if !w.pause(ctx) {
			return checked
		}
		if w.metrics != nil {
			w.metrics.ReconcilerChecked.Inc()
		}
		before := intents[i].Status
		if err := w.payments.Reconcile(ctx, intents[i].SessionID); err != nil {
			w.logger.Warn().Err(err).
				Str("sessionId", intents[i].SessionID).
				Msg("reconciler.intent_check_failed")
		} else if after, err := w.payments.GetBySession(ctx, intents[i].SessionID); err == nil &&
			after.Status.IsTerminal() && after.Status != before {
			w.promoted(string(after.Status))
		}
		checked++
	}
	return checked
}

// SweepOne reconciles a single withdrawal on an admin's request.
func (w *Worker) SweepOne(ctx context.Context, transactionID string) error {
	tx, err := w.ledger.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Type != ledger.TypeWithdrawal || tx.Status != ledger.StatusProcessing {
		return errors.New("transaction is not a processing withdrawal")
	}
	w.checkWithdrawal(ctx, &tx)
	return nil
}

func (w *Worker) stamp(ctx context.Context, transactionID string) {
	if err := w.ledger.PatchMetadata(ctx, transactionID, map[string]string{
		ledger.MetaStatusCheckedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		w.logger.Error().Err(err).
			Str("transactionId", transactionID).
			Msg("reconciler.stamp_failed")
	}
}

func (w *Worker) promoted(status string) {
	if w.metrics != nil {
		w.metrics.ReconcilerPromoted.WithLabelValues(status).Inc()
	}
}

// pause spaces consecutive provider calls. Returns false when the context
// ended during the wait.
func (w *Worker) pause(ctx context.Context) bool {
	timer := time.NewTimer(w.spacing())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
