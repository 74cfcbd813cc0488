package payment

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/commission"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
)

const sessionLockShards = 64

// Manager drives payment intents from creation to settlement.
//
// Status updates for one session are serialized through a per-session lock:
// a webhook, a user poll and a reconciler sweep may all arrive at once, and
// only one of them may settle. Settlement itself is additionally guarded by
// the store's MarkSettled compare-and-set, so even a crash between lock
// releases cannot double-credit.
// GatewayResolver looks up provider adapters. *gateway.Registry implements
// it; tests substitute fakes.
type GatewayResolver interface {
	Get(name gateway.Name) (gateway.Adapter, error)
}

// PayoutConfirmer applies a provider disbursement result to its withdrawal.
// *withdrawal.Orchestrator implements it. Aggregators post payout results to
// the same webhook ingress as payments, so the manager hands them over here.
type PayoutConfirmer interface {
	ConfirmPayout(ctx context.Context, transactionID string, outcome gateway.Outcome, rawStatus, externalID string) (ledger.Transaction, error)
}

type Manager struct {
	intents     IntentStore
	ledger      ledger.Store
	balances    *balance.Service
	gateways    GatewayResolver
	commissions *commission.Engine
	payouts     PayoutConfirmer
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	locks       [sessionLockShards]sync.Mutex
}

// NewManager creates the payment intent manager.
func NewManager(
	intents IntentStore,
	ledgerStore ledger.Store,
	balances *balance.Service,
	gateways GatewayResolver,
	commissions *commission.Engine,
	payouts PayoutConfirmer,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		intents:     intents,
		ledger:      ledgerStore,
		balances:    balances,
		gateways:    gateways,
		commissions: commissions,
		payouts:     payouts,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With().Str("component", "payment").Logger(),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%sessionLockShards]
}

// CreateRequest opens a new payment session.
type CreateRequest struct {
	UserID      string
	Gateway     gateway.Name
	PaymentType string
	Amount      money.Money
	PayCurrency string // Required for the crypto processor
	Description string
	Phone       string
	Email       string
	ReturnURL   string
}

func (r CreateRequest) validate() error {
	if r.UserID == "" {
		return apperrors.New(apperrors.CodeValidation, "userId is required")
	}
	if r.PaymentType == "" {
		return apperrors.New(apperrors.CodeValidation, "paymentType is required")
	}
	if !r.Amount.IsPositive() {
		return apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	if r.Gateway == gateway.NOWPayments {
		if r.PayCurrency == "" {
			return apperrors.New(apperrors.CodeValidation, "payCurrency is required for crypto payments")
		}
		if !money.IsSupported(r.PayCurrency) {
			return apperrors.Newf(apperrors.CodeValidation, "unsupported pay currency %q", r.PayCurrency)
		}
	}
	return nil
}

// CreateIntent opens a checkout with the selected provider and records the
// session.
func (m *Manager) CreateIntent(ctx context.Context, req CreateRequest) (Intent, error) {
	if err := req.validate(); err != nil {
		return Intent{}, err
	}
	adapter, err := m.gateways.Get(req.Gateway)
	if err != nil {
		return Intent{}, apperrors.Wrap(apperrors.CodeValidation, "unknown gateway", err)
	}

	sessionID := NewSessionID()
	result, err := adapter.CreateIntent(ctx, gateway.IntentRequest{
		SessionID:   sessionID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		PayCurrency: req.PayCurrency,
		Description: req.Description,
		Phone:       req.Phone,
		Email:       req.Email,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return Intent{}, apperrors.Wrap(apperrors.CodeProviderUnavailable, "payment provider unavailable", err)
		}
		return Intent{}, apperrors.Wrap(apperrors.CodeProviderError, "payment provider rejected the request", err)
	}

	in := Intent{
		SessionID:   sessionID,
		UserID:      req.UserID,
		Gateway:     req.Gateway,
		PaymentType: req.PaymentType,
		Amount:      req.Amount,
		PayCurrency: req.PayCurrency,
		ExternalID:  result.ExternalID,
		CheckoutURL: result.CheckoutURL,
		PayAddress:  result.PayAddress,
		PayAmount:   result.PayAmount,
		Status:      StatusPendingUserInput,
		RawStatus:   result.RawStatus,
	}
	if err := m.intents.Create(ctx, in); err != nil {
		return Intent{}, apperrors.Wrap(apperrors.CodeDatabase, "persist payment intent", err)
	}

	if m.metrics != nil {
		m.metrics.IntentsTotal.WithLabelValues(string(req.Gateway), req.PaymentType).Inc()
	}
	m.logger.Info().
		Str("sessionId", sessionID).
		Str("gateway", string(req.Gateway)).
		Str("amount", req.Amount.String()).
		Msg("payment.intent_created")
	return in, nil
}

// GetBySession returns one intent.
func (m *Manager) GetBySession(ctx context.Context, sessionID string) (Intent, error) {
	in, err := m.intents.GetBySession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Intent{}, apperrors.New(apperrors.CodeNotFound, "payment session not found")
	}
	if err != nil {
		return Intent{}, apperrors.Wrap(apperrors.CodeDatabase, "load payment intent", err)
	}
	return in, nil
}

// ListByUser returns a page of the user's intents.
func (m *Manager) ListByUser(ctx context.Context, userID string, page, limit int) ([]Intent, int64, error) {
	return m.intents.ListByUser(ctx, userID, page, limit)
}

// HandleWebhook processes a provider notification. Errors are for logging
// only; the HTTP handler acknowledges every delivery so providers do not
// retry storms against us.
func (m *Manager) HandleWebhook(ctx context.Context, name gateway.Name, r *http.Request, body []byte) error {
	adapter, err := m.gateways.Get(name)
	if err != nil {
		return err
	}
	ev, err := adapter.ParseWebhook(r, body)
	if err != nil {
		m.webhookResult(name, "payment", "rejected")
		if adapter.TrustedWebhooks() {
			// A bad signature on a signed channel is the one webhook error
			// that must not be acknowledged.
			return apperrors.Wrap(apperrors.CodeUnauthorized, "webhook signature rejected", err)
		}
		return err
	}
	if ev.Payout {
		return m.handlePayoutWebhook(ctx, adapter, ev)
	}

	mu := m.sessionLock(ev.SessionID)
	mu.Lock()
	defer mu.Unlock()

	in, err := m.intents.GetBySession(ctx, ev.SessionID)
	if errors.Is(err, ErrNotFound) {
		m.webhookResult(name, "payment", "unknown_session")
		m.logger.Warn().
			Str("gateway", string(name)).
			Str("sessionId", ev.SessionID).
			Msg("payment.webhook_unknown_session")
		return nil
	}
	if err != nil {
		m.webhookResult(name, "payment", "error")
		return err
	}
	if in.Status.IsTerminal() {
		m.webhookResult(name, "payment", "duplicate")
		return nil
	}

	outcome := ev.Outcome
	rawStatus := ev.RawStatus
	externalID := ev.ExternalID

	// Unsigned webhooks are hints, and even signed ones with an unmapped
	// status get re-verified. The provider's status API is the only source
	// allowed to move money.
	if !adapter.TrustedWebhooks() || !outcome.IsFinal() {
		status, err := adapter.CheckStatus(ctx, m.statusRef(in))
		if err != nil {
			m.webhookResult(name, "payment", "verify_failed")
			m.logger.Warn().Err(err).
				Str("sessionId", in.SessionID).
				Msg("payment.webhook_verify_failed")
			return nil
		}
		outcome = status.Outcome
		rawStatus = status.RawStatus
		if status.ExternalID != "" {
			externalID = status.ExternalID
		}
	}

	m.webhookResult(name, "payment", "accepted")
	return m.applyOutcome(ctx, in, outcome, rawStatus, externalID)
}

// handlePayoutWebhook forwards a disbursement notification to the
// withdrawal pipeline. The correlation id recovered from the payload is the
// withdrawal's transaction id. Unsigned channels and unmapped statuses are
// re-verified against the provider's payout status API before the
// withdrawal moves.
func (m *Manager) handlePayoutWebhook(ctx context.Context, adapter gateway.Adapter, ev gateway.WebhookEvent) error {
	if m.payouts == nil || ev.SessionID == "" {
		m.webhookResult(ev.Gateway, "payout", "ignored")
		return nil
	}

	outcome := ev.Outcome
	rawStatus := ev.RawStatus
	externalID := ev.ExternalID
	if !adapter.TrustedWebhooks() || !outcome.IsFinal() {
		provider, ok := adapter.(gateway.PayoutProvider)
		if !ok {
			m.webhookResult(ev.Gateway, "payout", "ignored")
			return nil
		}
		status, err := provider.CheckPayoutStatus(ctx, ev.SessionID)
		if err != nil {
			m.webhookResult(ev.Gateway, "payout", "verify_failed")
			m.logger.Warn().Err(err).
				Str("transactionId", ev.SessionID).
				Msg("payment.payout_webhook_verify_failed")
			return nil
		}
		outcome = status.Outcome
		rawStatus = status.RawStatus
		if status.ExternalID != "" {
			externalID = status.ExternalID
		}
	}

	if _, err := m.payouts.ConfirmPayout(ctx, ev.SessionID, outcome, rawStatus, externalID); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			m.webhookResult(ev.Gateway, "payout", "unknown_reference")
			m.logger.Warn().
				Str("gateway", string(ev.Gateway)).
				Str("transactionId", ev.SessionID).
				Msg("payment.payout_webhook_unknown_reference")
			return nil
		}
		m.webhookResult(ev.Gateway, "payout", "error")
		return err
	}
	m.webhookResult(ev.Gateway, "payout", "accepted")
	return nil
}

// statusRef picks the identifier the provider's status API is keyed on.
// The crypto processor uses its own payment id; the aggregators look
// payments up by our session id.
func (m *Manager) statusRef(in Intent) string {
	if in.Gateway == gateway.NOWPayments && in.ExternalID != "" {
		return in.ExternalID
	}
	return in.SessionID
}

// PollStatus re-queries the provider on a user's request and applies the
// result. Returns the refreshed intent.
func (m *Manager) PollStatus(ctx context.Context, sessionID string) (Intent, error) {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	in, err := m.GetBySession(ctx, sessionID)
	if err != nil {
		return Intent{}, err
	}
	if in.Status.IsTerminal() {
		return in, nil
	}

	adapter, err := m.gateways.Get(in.Gateway)
	if err != nil {
		return Intent{}, apperrors.Wrap(apperrors.CodeInternal, "resolve gateway", err)
	}
	status, err := adapter.CheckStatus(ctx, m.statusRef(in))
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return in, apperrors.Wrap(apperrors.CodeProviderUnavailable, "payment provider unavailable", err)
		}
		return in, apperrors.Wrap(apperrors.CodeProviderError, "status check failed", err)
	}

	if err := m.applyOutcome(ctx, in, status.Outcome, status.RawStatus, status.ExternalID); err != nil {
		return Intent{}, err
	}
	return m.GetBySession(ctx, sessionID)
}

// Reconcile is PollStatus for the background sweeper: same flow, but a
// provider failure only stamps the check time so the record rotates to the
// back of the stale queue.
func (m *Manager) Reconcile(ctx context.Context, sessionID string) error {
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	in, err := m.intents.GetBySession(ctx, sessionID)
	if err != nil || in.Status.IsTerminal() {
		return err
	}

	adapter, err := m.gateways.Get(in.Gateway)
	if err != nil {
		return err
	}
	status, err := adapter.CheckStatus(ctx, m.statusRef(in))
	if err != nil {
		_, updateErr := m.intents.UpdateStatus(ctx, sessionID, Update{StatusCheckedAt: time.Now().UTC()})
		if updateErr != nil {
			return updateErr
		}
		return err
	}
	return m.applyOutcome(ctx, in, status.Outcome, status.RawStatus, status.ExternalID)
}

// applyOutcome moves the intent and, on success, settles it. Callers hold
// the session lock.
func (m *Manager) applyOutcome(ctx context.Context, in Intent, outcome gateway.Outcome, rawStatus, externalID string) error {
	next, ok := statusForOutcome(outcome)
	if !ok {
		m.logger.Warn().
			Str("sessionId", in.SessionID).
			Str("rawStatus", rawStatus).
			Msg("payment.unmapped_provider_status")
		_, err := m.intents.UpdateStatus(ctx, in.SessionID, Update{StatusCheckedAt: time.Now().UTC()})
		return err
	}

	updated, err := m.intents.UpdateStatus(ctx, in.SessionID, Update{
		Status:          next,
		RawStatus:       rawStatus,
		ExternalID:      externalID,
		StatusCheckedAt: time.Now().UTC(),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "update payment intent", err)
	}

	switch next {
	case StatusSucceeded:
		return m.settle(ctx, updated)
	case StatusPartiallyPaid:
		// Underpayments park for manual review; no credit, loud log.
		m.logger.Warn().
			Str("sessionId", in.SessionID).
			Str("userId", in.UserID).
			Str("amount", in.Amount.String()).
			Msg("payment.partially_paid_needs_review")
		m.settleMetric(updated, "partially_paid")
	case StatusFailed, StatusExpired:
		m.settleMetric(updated, string(next))
	}
	return nil
}

// settle credits the buyer exactly once and fans out commissions.
func (m *Manager) settle(ctx context.Context, in Intent) error {
	txID := ledger.NewTransactionID()
	won, err := m.intents.MarkSettled(ctx, in.SessionID, txID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "mark intent settled", err)
	}
	if !won {
		return nil
	}

	tx := ledger.Transaction{
		TransactionID: txID,
		UserID:        in.UserID,
		Type:          ledger.TypeDeposit,
		Amount:        in.Amount,
		Fee:           money.Zero(in.Amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Payment for " + in.PaymentType,
		Provider: ledger.ProviderInfo{
			Provider:              string(in.Gateway),
			ExternalTransactionID: in.ExternalID,
			Status:                in.RawStatus,
		},
		Metadata: map[string]string{
			ledger.MetaSourcePaymentSessionID: in.SessionID,
			ledger.MetaPaymentType:            in.PaymentType,
		},
	}
	if err := m.ledger.Append(ctx, tx); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		return apperrors.Wrap(apperrors.CodeDatabase, "append settlement entry", err)
	}

	if _, err := m.balances.Adjust(ctx, in.UserID, in.Amount, txID); err != nil {
		// The ledger entry exists; a reprojection will recover the view.
		m.logger.Error().Err(err).
			Str("sessionId", in.SessionID).
			Str("transactionId", txID).
			Msg("payment.balance_credit_failed")
	}

	m.settleMetric(in, string(StatusSucceeded))
	if m.metrics != nil {
		m.metrics.PaymentAmountTotal.WithLabelValues(string(in.Gateway), in.Amount.Currency.Code).
			Add(float64(in.Amount.Atomic))
		m.metrics.SettlementDuration.WithLabelValues(string(in.Gateway)).
			Observe(time.Since(in.CreatedAt).Seconds())
	}
	m.logger.Info().
		Str("sessionId", in.SessionID).
		Str("userId", in.UserID).
		Str("amount", in.Amount.String()).
		Str("transactionId", txID).
		Msg("payment.settled")

	m.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindPaymentConfirmed,
		UserID: in.UserID,
		Data: map[string]string{
			"sessionId": in.SessionID,
			"amount":    in.Amount.String(),
		},
	})

	if err := m.commissions.Distribute(ctx, commission.Request{
		Kind:         commission.KindPayment,
		SessionID:    in.SessionID,
		SourceUserID: in.UserID,
		PaymentType:  in.PaymentType,
		PaidCurrency: in.Amount.Currency,
	}); err != nil {
		// Commissions are repairable later; the settle stands.
		m.logger.Error().Err(err).
			Str("sessionId", in.SessionID).
			Msg("payment.commission_distribution_failed")
	}
	return nil
}

func (m *Manager) settleMetric(in Intent, outcome string) {
	if m.metrics != nil {
		m.metrics.SettlementsTotal.WithLabelValues(string(in.Gateway), outcome).Inc()
	}
}

func (m *Manager) webhookResult(name gateway.Name, kind, result string) {
	if m.metrics != nil {
		m.metrics.WebhooksTotal.WithLabelValues(string(name), kind, result).Inc()
	}
}

// FindStale exposes the store query for the reconciler.
func (m *Manager) FindStale(ctx context.Context, name gateway.Name, olderThan time.Time, limit int) ([]Intent, error) {
	return m.intents.FindStale(ctx, name, olderThan, limit)
}
