// Package withdrawal runs the withdrawal pipeline: OTP issuance, admin
// approval, debit-on-approval, payout dispatch and terminal confirmation.
// Funds leave the balance view only at admin approval; before that the hold
// is implicit in the non-terminal ledger entry.
package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/userclient"
)

// Type selects the payout rail.
type Type string

const (
	TypeMobileMoney Type = "mobile_money"
	TypeCrypto      Type = "crypto"
)

const (
	defaultOTPTTL       = 10 * time.Minute
	defaultMinMobileXAF = 500
	defaultMinCryptoUSD = 1000 // cents
)

// PayoutRegistry resolves payout-capable providers. *gateway.Registry
// implements it; tests substitute fakes.
type PayoutRegistry interface {
	Payout(name gateway.Name) (gateway.PayoutProvider, error)
}

// Orchestrator owns the withdrawal state machine.
type Orchestrator struct {
	cfg      config.WithdrawalsConfig
	ledger   ledger.Store
	balances *balance.Service
	users    userclient.Directory
	payouts  PayoutRegistry
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewOrchestrator creates the withdrawal orchestrator.
func NewOrchestrator(
	cfg config.WithdrawalsConfig,
	ledgerStore ledger.Store,
	balances *balance.Service,
	users userclient.Directory,
	payouts PayoutRegistry,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		ledger:   ledgerStore,
		balances: balances,
		users:    users,
		payouts:  payouts,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "withdrawal").Logger(),
	}
}

// InitiateRequest starts a withdrawal.
type InitiateRequest struct {
	UserID string
	Amount money.Money
	Type   Type
	// Service optionally forces a payout provider; defaults per Type.
	Service gateway.Name
}

// Estimate is the fee preview for a prospective withdrawal.
type Estimate struct {
	Amount money.Money `json:"amount"`
	Fee    money.Money `json:"fee"`
	Total  money.Money `json:"total"` // Amount + fee, the balance debit
}

func (o *Orchestrator) feeRule(t Type) config.FeeRule {
	if t == TypeCrypto {
		return o.cfg.CryptoFee
	}
	return o.cfg.MobileMoneyFee
}

func computeFee(amount money.Money, rule config.FeeRule) money.Money {
	fee := rule.FixedAtomic
	if rule.Percent > 0 {
		fee += int64(float64(amount.Atomic)*rule.Percent/100 + 0.5)
	}
	return money.New(amount.Currency, fee)
}

// EstimateFee previews the fee without touching state.
func (o *Orchestrator) EstimateFee(req InitiateRequest) (Estimate, error) {
	if err := o.validateAmount(req); err != nil {
		return Estimate{}, err
	}
	fee := computeFee(req.Amount, o.feeRule(req.Type))
	return Estimate{
		Amount: req.Amount,
		Fee:    fee,
		Total:  money.New(req.Amount.Currency, req.Amount.Atomic+fee.Atomic),
	}, nil
}

func (o *Orchestrator) validateAmount(req InitiateRequest) error {
	if !req.Amount.IsPositive() {
		return apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	switch req.Type {
	case TypeMobileMoney:
		if req.Amount.Currency.Code != "XAF" {
			return apperrors.New(apperrors.CodeValidation, "mobile money withdrawals must be in XAF")
		}
		if req.Amount.Atomic%5 != 0 {
			return apperrors.New(apperrors.CodeValidation, "amount must be a multiple of 5 XAF")
		}
		min := o.cfg.MinMobileMoneyXAF
		if min == 0 {
			min = defaultMinMobileXAF
		}
		if req.Amount.Atomic < min {
			return apperrors.Newf(apperrors.CodeAmountBelowMinimum,
				"minimum mobile money withdrawal is %d XAF", min)
		}
	case TypeCrypto:
		if req.Amount.Currency.Class() != money.ClassUSD {
			return apperrors.New(apperrors.CodeValidation, "crypto withdrawals must be in USD")
		}
		min := o.cfg.MinCryptoUSDCents
		if min == 0 {
			min = defaultMinCryptoUSD
		}
		if req.Amount.Atomic < min {
			return apperrors.Newf(apperrors.CodeAmountBelowMinimum,
				"minimum crypto withdrawal is %s USD", money.New(req.Amount.Currency, min).ToMajor())
		}
	default:
		return apperrors.Newf(apperrors.CodeValidation, "unknown withdrawal type %q", req.Type)
	}
	return nil
}

func (o *Orchestrator) selectService(req InitiateRequest) (gateway.Name, error) {
	service := req.Service
	if service == "" {
		if req.Type == TypeCrypto {
			service = gateway.NOWPayments
		} else {
			service = gateway.CinetPay
		}
	}
	switch {
	case req.Type == TypeCrypto && service != gateway.NOWPayments:
		return "", apperrors.Newf(apperrors.CodeValidation, "%q cannot disburse crypto", service)
	case req.Type == TypeMobileMoney && service == gateway.NOWPayments:
		return "", apperrors.New(apperrors.CodeValidation, "crypto processor cannot disburse mobile money")
	}
	return service, nil
}

// Initiate validates the request, issues an OTP and records the withdrawal
// in pending_otp_verification. The balance is not debited here.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (ledger.Transaction, error) {
	if err := o.validateAmount(req); err != nil {
		return ledger.Transaction{}, err
	}
	service, err := o.selectService(req)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if service == gateway.FeexPay && !o.cfg.FeexpayPayoutsEnabled {
		return ledger.Transaction{}, o.recordBlocked(ctx, req, "feexpay_payouts_disabled")
	}

	user, err := o.users.GetUser(ctx, req.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	destination := user.MomoNumber
	if req.Type == TypeCrypto {
		destination = user.CryptoAddress
	}
	if destination == "" {
		return ledger.Transaction{}, apperrors.New(apperrors.CodePayoutDestinationMissing,
			"no payout destination configured for this withdrawal type")
	}

	fee := computeFee(req.Amount, o.feeRule(req.Type))
	otp, err := newOTP(o.otpTTL())
	if err != nil {
		return ledger.Transaction{}, apperrors.Wrap(apperrors.CodeInternal, "generate otp", err)
	}

	var tx ledger.Transaction
	err = o.balances.WithUserLock(req.UserID, func() error {
		blocked, err := o.balances.HasPendingBlockingTransactions(ctx, req.UserID)
		if err != nil {
			return err
		}
		if blocked {
			return apperrors.New(apperrors.CodePendingBlockingTransaction,
				"another withdrawal or transfer is still in progress")
		}

		amountXAF := int64(0)
		if req.Amount.Currency.Code == "XAF" {
			amountXAF = req.Amount.Atomic
		}
		if err := o.balances.CheckDailyLimits(ctx, req.UserID, amountXAF,
			o.cfg.DailyLimitXAF, o.cfg.MaxPerDay); err != nil {
			return err
		}

		tx = ledger.Transaction{
			TransactionID: ledger.NewTransactionID(),
			UserID:        req.UserID,
			Type:          ledger.TypeWithdrawal,
			Amount:        req.Amount,
			Fee:           fee,
			Status:        ledger.StatusPendingOTP,
			Description:   "Withdrawal via " + string(service),
			Metadata: map[string]string{
				ledger.MetaWithdrawalType:        string(req.Type),
				ledger.MetaSelectedPayoutService: string(service),
				ledger.MetaPayoutDestination:     destination,
				ledger.MetaNetAmount:             req.Amount.ToMajor(),
				ledger.MetaOTPHash:               otp.hash,
				ledger.MetaOTPSalt:               otp.salt,
				ledger.MetaOTPExpiresAt:          otp.expiresAt.Format(time.RFC3339),
			},
		}
		if err := o.ledger.Append(ctx, tx); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record withdrawal", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	o.transitionMetric(req.Type, ledger.StatusPendingOTP)
	o.logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("userId", req.UserID).
		Str("amount", req.Amount.String()).
		Str("service", string(service)).
		Msg("withdrawal.initiated")

	o.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindWithdrawalOTP,
		UserID: req.UserID,
		Data: map[string]string{
			"transactionId": tx.TransactionID,
			"amount":        req.Amount.String(),
			"code":          otp.code,
		},
	})
	return tx, nil
}

// recordBlocked keeps an auditable trace of a disabled-path attempt. The
// entry is born failed, so it never affects balances and consumes no OTP.
func (o *Orchestrator) recordBlocked(ctx context.Context, req InitiateRequest, reason string) error {
	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        req.UserID,
		Type:          ledger.TypeWithdrawal,
		Amount:        req.Amount,
		Fee:           money.Zero(req.Amount.Currency),
		Status:        ledger.StatusFailed,
		Description:   "Withdrawal attempt blocked",
		Metadata: map[string]string{
			ledger.MetaWithdrawalType: string(req.Type),
			ledger.MetaBlockedReason:  reason,
		},
	}
	if err := o.ledger.Append(ctx, tx); err != nil {
		o.logger.Error().Err(err).Str("userId", req.UserID).Msg("withdrawal.blocked_record_failed")
	}
	if o.metrics != nil {
		o.metrics.WithdrawalsBlockedTotal.WithLabelValues(reason).Inc()
	}
	o.logger.Warn().
		Str("userId", req.UserID).
		Str("amount", req.Amount.String()).
		Str("reason", reason).
		Msg("withdrawal.blocked")
	return apperrors.New(apperrors.CodeProviderUnavailable, "this payout channel is temporarily disabled")
}

// VerifyOTP moves the withdrawal to the admin queue. A wrong code leaves the
// entry untouched so the user may retry; a consumed or expired code never
// verifies again.
func (o *Orchestrator) VerifyOTP(ctx context.Context, userID, transactionID, code string) (ledger.Transaction, error) {
	tx, err := o.getOwned(ctx, userID, transactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.MetaValue(ledger.MetaOTPConsumedAt) != "" {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeOTPInvalid, "code already used")
	}
	if tx.Status != ledger.StatusPendingOTP {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeIllegalTransition,
			"withdrawal is not awaiting OTP verification")
	}

	expiresAt, err := time.Parse(time.RFC3339, tx.MetaValue(ledger.MetaOTPExpiresAt))
	if err != nil || time.Now().After(expiresAt) {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeOTPExpired, "code expired")
	}
	if !verifyOTP(tx.MetaValue(ledger.MetaOTPHash), tx.MetaValue(ledger.MetaOTPSalt), code) {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeOTPInvalid, "invalid code")
	}

	updated, err := o.ledger.UpdateStatus(ctx, transactionID, ledger.StatusPendingAdminApproval, ledger.Patch{
		Metadata: map[string]string{
			ledger.MetaOTPConsumedAt: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return ledger.Transaction{}, o.transitionError(err)
	}

	o.transitionMetric(Type(tx.MetaValue(ledger.MetaWithdrawalType)), ledger.StatusPendingAdminApproval)
	o.logger.Info().
		Str("transactionId", transactionID).
		Str("userId", userID).
		Msg("withdrawal.otp_verified")
	return updated, nil
}

// AdminApprove debits the user and dispatches the payout. The debit and the
// daily counters move under the user lock; the provider call happens after
// the entry reaches processing so a crash mid-dispatch is reconcilable.
func (o *Orchestrator) AdminApprove(ctx context.Context, transactionID, adminID string) (ledger.Transaction, error) {
	tx, err := o.ledger.FindByTransactionID(ctx, transactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeNotFound, "withdrawal not found")
	}
	if err != nil {
		return ledger.Transaction{}, apperrors.Wrap(apperrors.CodeDatabase, "load withdrawal", err)
	}
	if tx.Status != ledger.StatusPendingAdminApproval {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeIllegalTransition,
			"withdrawal is not awaiting admin approval")
	}

	total := money.New(tx.Amount.Currency, tx.Amount.Atomic+tx.Fee.Atomic)
	approvedAt := time.Now().UTC()

	err = o.balances.WithUserLock(tx.UserID, func() error {
		if _, err := o.balances.AdjustLocked(ctx, tx.UserID, total.Neg(), transactionID); err != nil {
			return err
		}
		amountXAF := int64(0)
		if tx.Amount.Currency.Code == "XAF" {
			amountXAF = tx.Amount.Atomic
		}
		if err := o.balances.RecordWithdrawalLocked(ctx, tx.UserID, amountXAF); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	updated, err := o.ledger.UpdateStatus(ctx, transactionID, ledger.StatusProcessing, ledger.Patch{
		Metadata: map[string]string{
			ledger.MetaApprovedAt: approvedAt.Format(time.RFC3339),
			ledger.MetaApprovedBy: adminID,
		},
	})
	if err != nil {
		// Debited but the entry moved underneath us; put the money back.
		if _, creditErr := o.balances.Adjust(ctx, tx.UserID, total, transactionID); creditErr != nil {
			o.logger.Error().Err(creditErr).
				Str("transactionId", transactionID).
				Msg("withdrawal.approve_rollback_failed")
		}
		_ = o.balances.RollbackWithdrawal(ctx, tx.UserID, tx.Amount.Atomic, approvedAt)
		return ledger.Transaction{}, o.transitionError(err)
	}

	o.transitionMetric(Type(tx.MetaValue(ledger.MetaWithdrawalType)), ledger.StatusProcessing)
	o.logger.Info().
		Str("transactionId", transactionID).
		Str("userId", tx.UserID).
		Str("adminId", adminID).
		Str("total", total.String()).
		Msg("withdrawal.approved")

	o.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindWithdrawalApproved,
		UserID: tx.UserID,
		Data: map[string]string{
			"transactionId": transactionID,
			"amount":        tx.Amount.String(),
		},
	})

	return o.dispatch(ctx, updated)
}

// dispatch sends the payout. Transient provider failures leave the entry in
// processing for the reconciler; everything else fails and refunds.
func (o *Orchestrator) dispatch(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	service := gateway.Name(tx.MetaValue(ledger.MetaSelectedPayoutService))
	provider, err := o.payouts.Payout(service)
	if err != nil {
		return o.fail(ctx, tx, "", "payout provider unavailable: "+err.Error())
	}

	res, err := provider.CreatePayout(ctx, gateway.PayoutRequest{
		Reference:   tx.TransactionID,
		Amount:      tx.Amount,
		Destination: tx.MetaValue(ledger.MetaPayoutDestination),
	})
	if errors.Is(err, gateway.ErrUnavailable) {
		o.logger.Warn().Err(err).
			Str("transactionId", tx.TransactionID).
			Msg("withdrawal.dispatch_deferred")
		return tx, nil
	}
	if err != nil {
		return o.fail(ctx, tx, "", "payout rejected: "+err.Error())
	}

	switch res.Outcome {
	case gateway.OutcomeSucceeded:
		return o.complete(ctx, tx, res.ExternalID, res.RawStatus)
	case gateway.OutcomeFailed, gateway.OutcomeCancelled, gateway.OutcomeExpired:
		return o.fail(ctx, tx, res.ExternalID, res.RawStatus)
	default:
		// In flight; the provider webhook or the reconciler finishes it.
		// Payout status checks key on our transaction id, so losing the
		// provider id here costs nothing.
		o.logger.Info().
			Str("transactionId", tx.TransactionID).
			Str("externalId", res.ExternalID).
			Msg("withdrawal.dispatched")
		return tx, nil
	}
}

// AdminReject declines a queued withdrawal. Nothing was debited, so nothing
// is refunded.
func (o *Orchestrator) AdminReject(ctx context.Context, transactionID, adminID, reason string) (ledger.Transaction, error) {
	if reason == "" {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "a rejection reason is required")
	}
	updated, err := o.ledger.UpdateStatus(ctx, transactionID, ledger.StatusRejectedByAdmin, ledger.Patch{
		Metadata: map[string]string{
			ledger.MetaRejectedAt:      time.Now().UTC().Format(time.RFC3339),
			ledger.MetaRejectedBy:      adminID,
			ledger.MetaRejectionReason: reason,
		},
	})
	if err != nil {
		return ledger.Transaction{}, o.transitionError(err)
	}

	o.transitionMetric(Type(updated.MetaValue(ledger.MetaWithdrawalType)), ledger.StatusRejectedByAdmin)
	o.logger.Info().
		Str("transactionId", transactionID).
		Str("adminId", adminID).
		Str("reason", reason).
		Msg("withdrawal.rejected")

	o.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindWithdrawalRejected,
		UserID: updated.UserID,
		Data: map[string]string{
			"transactionId": transactionID,
			"reason":        reason,
		},
	})
	return updated, nil
}

// UserCancel aborts a withdrawal before OTP verification.
func (o *Orchestrator) UserCancel(ctx context.Context, userID, transactionID string) (ledger.Transaction, error) {
	tx, err := o.getOwned(ctx, userID, transactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Status != ledger.StatusPendingOTP {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeIllegalTransition,
			"only withdrawals awaiting OTP verification can be cancelled")
	}

	updated, err := o.ledger.UpdateStatus(ctx, transactionID, ledger.StatusCancelled, ledger.Patch{})
	if err != nil {
		return ledger.Transaction{}, o.transitionError(err)
	}
	o.transitionMetric(Type(tx.MetaValue(ledger.MetaWithdrawalType)), ledger.StatusCancelled)
	o.logger.Info().
		Str("transactionId", transactionID).
		Str("userId", userID).
		Msg("withdrawal.cancelled")
	return updated, nil
}

// ConfirmPayout applies a provider-reported disbursement outcome to a
// processing withdrawal. Both the payout webhook path and the reconciler
// land here, so a second confirmation of a terminal entry is a no-op.
func (o *Orchestrator) ConfirmPayout(ctx context.Context, transactionID string, outcome gateway.Outcome, rawStatus, externalID string) (ledger.Transaction, error) {
	tx, err := o.ledger.FindByTransactionID(ctx, transactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeNotFound, "withdrawal not found")
	}
	if err != nil {
		return ledger.Transaction{}, apperrors.Wrap(apperrors.CodeDatabase, "load withdrawal", err)
	}
	if tx.Status.IsTerminal() {
		return tx, nil
	}

	switch outcome {
	case gateway.OutcomeSucceeded:
		return o.complete(ctx, tx, externalID, rawStatus)
	case gateway.OutcomeFailed, gateway.OutcomeCancelled, gateway.OutcomeExpired:
		return o.fail(ctx, tx, externalID, rawStatus)
	default:
		if err := o.ledger.PatchMetadata(ctx, transactionID, map[string]string{
			ledger.MetaStatusCheckedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return tx, apperrors.Wrap(apperrors.CodeDatabase, "stamp status check", err)
		}
		return tx, nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, tx ledger.Transaction, externalID, rawStatus string) (ledger.Transaction, error) {
	updated, err := o.ledger.UpdateStatus(ctx, tx.TransactionID, ledger.StatusCompleted, ledger.Patch{
		ExternalTransactionID: externalID,
		ProviderStatus:        rawStatus,
		Metadata: map[string]string{
			ledger.MetaStatusCheckedAt: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return ledger.Transaction{}, o.transitionError(err)
	}

	wType := Type(tx.MetaValue(ledger.MetaWithdrawalType))
	o.transitionMetric(wType, ledger.StatusCompleted)
	if o.metrics != nil {
		o.metrics.WithdrawalAmountTotal.WithLabelValues(string(wType), tx.Amount.Currency.Code).
			Add(float64(tx.Amount.Atomic))
	}
	o.logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("userId", tx.UserID).
		Str("amount", tx.Amount.String()).
		Msg("withdrawal.completed")

	o.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindWithdrawalCompleted,
		UserID: tx.UserID,
		Data: map[string]string{
			"transactionId": tx.TransactionID,
			"amount":        tx.Amount.String(),
		},
	})
	return updated, nil
}

// fail marks the withdrawal failed and returns the debited funds. The refund
// is a status change plus a balance credit, not a separate ledger entry: a
// failed withdrawal contributes nothing to the projection, so the runtime
// credit and a reprojection agree.
func (o *Orchestrator) fail(ctx context.Context, tx ledger.Transaction, externalID, rawStatus string) (ledger.Transaction, error) {
	updated, err := o.ledger.UpdateStatus(ctx, tx.TransactionID, ledger.StatusFailed, ledger.Patch{
		ExternalTransactionID: externalID,
		ProviderStatus:        rawStatus,
	})
	if err != nil {
		return ledger.Transaction{}, o.transitionError(err)
	}

	if tx.Status == ledger.StatusProcessing {
		total := money.New(tx.Amount.Currency, tx.Amount.Atomic+tx.Fee.Atomic)
		if _, err := o.balances.Adjust(ctx, tx.UserID, total, tx.TransactionID); err != nil {
			o.logger.Error().Err(err).
				Str("transactionId", tx.TransactionID).
				Msg("withdrawal.refund_failed")
		}
		if approvedAt, parseErr := time.Parse(time.RFC3339, tx.MetaValue(ledger.MetaApprovedAt)); parseErr == nil {
			amountXAF := int64(0)
			if tx.Amount.Currency.Code == "XAF" {
				amountXAF = tx.Amount.Atomic
			}
			_ = o.balances.RollbackWithdrawal(ctx, tx.UserID, amountXAF, approvedAt)
		}
	}

	o.transitionMetric(Type(tx.MetaValue(ledger.MetaWithdrawalType)), ledger.StatusFailed)
	o.logger.Warn().
		Str("transactionId", tx.TransactionID).
		Str("userId", tx.UserID).
		Str("rawStatus", rawStatus).
		Msg("withdrawal.failed")

	o.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindWithdrawalFailed,
		UserID: tx.UserID,
		Data: map[string]string{
			"transactionId": tx.TransactionID,
			"amount":        tx.Amount.String(),
		},
	})
	return updated, apperrors.New(apperrors.CodeProviderError, "payout failed")
}

// ListPending returns the admin approval queue, oldest first pages.
func (o *Orchestrator) ListPending(ctx context.Context, p ledger.Page) ([]ledger.Transaction, int64, error) {
	return o.ledger.Find(ctx, ledger.Filter{
		Types:    []ledger.Type{ledger.TypeWithdrawal},
		Statuses: []ledger.Status{ledger.StatusPendingAdminApproval},
	}, p)
}

// ListValidated returns processed withdrawals for the admin history view.
func (o *Orchestrator) ListValidated(ctx context.Context, p ledger.Page) ([]ledger.Transaction, int64, error) {
	return o.ledger.Find(ctx, ledger.Filter{
		Types: []ledger.Type{ledger.TypeWithdrawal},
		Statuses: []ledger.Status{
			ledger.StatusProcessing,
			ledger.StatusCompleted,
			ledger.StatusFailed,
			ledger.StatusRejectedByAdmin,
		},
	}, p)
}

func (o *Orchestrator) getOwned(ctx context.Context, userID, transactionID string) (ledger.Transaction, error) {
	tx, err := o.ledger.FindByTransactionID(ctx, transactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeNotFound, "withdrawal not found")
	}
	if err != nil {
		return ledger.Transaction{}, apperrors.Wrap(apperrors.CodeDatabase, "load withdrawal", err)
	}
	if tx.UserID != userID {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeNotFound, "withdrawal not found")
	}
	if tx.Type != ledger.TypeWithdrawal {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "not a withdrawal")
	}
	return tx, nil
}

func (o *Orchestrator) transitionError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrIllegalTransition):
		return apperrors.Wrap(apperrors.CodeIllegalTransition, "withdrawal state changed", err)
	case errors.Is(err, ledger.ErrNotFound):
		return apperrors.New(apperrors.CodeNotFound, "withdrawal not found")
	default:
		return apperrors.Wrap(apperrors.CodeDatabase, "update withdrawal", err)
	}
}

func (o *Orchestrator) transitionMetric(t Type, s ledger.Status) {
	if o.metrics != nil {
		o.metrics.WithdrawalsTotal.WithLabelValues(string(t), string(s)).Inc()
	}
}

func (o *Orchestrator) otpTTL() time.Duration {
	if o.cfg.OTPTTL.Duration > 0 {
		return o.cfg.OTPTTL.Duration
	}
	return defaultOTPTTL
}
