// Package activation manages the activation sub-ledger: an isolated balance
// class users fund from their spendable balance and spend on sponsoring
// other users' subscriptions. Activation funds never flow back out except
// through the explicit transfer-out operation.
package activation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/commission"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/userclient"
)

// Service owns the activation sub-ledger flows.
type Service struct {
	cfg         config.ActivationConfig
	ledger      ledger.Store
	balances    *balance.Service
	users       userclient.Directory
	commissions *commission.Engine
	notifier    notify.Notifier
	logger      zerolog.Logger
}

// NewService creates the activation service.
func NewService(
	cfg config.ActivationConfig,
	ledgerStore ledger.Store,
	balances *balance.Service,
	users userclient.Directory,
	commissions *commission.Engine,
	notifier notify.Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		ledger:      ledgerStore,
		balances:    balances,
		users:       users,
		commissions: commissions,
		notifier:    notifier,
		logger:      logger.With().Str("component", "activation").Logger(),
	}
}

// TopUp moves funds from the user's spendable fiat balance into the
// activation sub-ledger. One completed activation_transfer_in entry carries
// both sides of the move.
func (s *Service) TopUp(ctx context.Context, userID string, amount money.Money) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	if amount.Currency.Class() != money.ClassFiat {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "activation top-ups must be in fiat")
	}

	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        userID,
		Type:          ledger.TypeActivationTransferIn,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Activation balance top-up",
	}

	err := s.balances.WithUserLock(userID, func() error {
		if _, err := s.balances.AdjustLocked(ctx, userID, amount.Neg(), tx.TransactionID); err != nil {
			return err
		}
		if _, err := s.balances.AdjustLocked(ctx, userID, amount, tx.TransactionID,
			balance.WithActivationClass()); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record top-up", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("userId", userID).
		Str("amount", amount.String()).
		Msg("activation.topped_up")
	return tx, nil
}

// TransferOut moves funds back from the activation sub-ledger to the
// spendable fiat balance.
func (s *Service) TransferOut(ctx context.Context, userID string, amount money.Money) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}

	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        userID,
		Type:          ledger.TypeActivationTransferOut,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Activation balance transfer out",
	}

	err := s.balances.WithUserLock(userID, func() error {
		if _, err := s.balances.AdjustLocked(ctx, userID, amount.Neg(), tx.TransactionID,
			balance.WithActivationClass()); err != nil {
			return err
		}
		if _, err := s.balances.AdjustLocked(ctx, userID, amount, tx.TransactionID); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record transfer out", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("userId", userID).
		Str("amount", amount.String()).
		Msg("activation.transferred_out")
	return tx, nil
}

// TransferToUser moves activation funds from one user to another. The sender
// gets a transfer debit, the recipient a deposit credit, both tagged with the
// activation class and the counterparty.
func (s *Service) TransferToUser(ctx context.Context, senderID, recipientID string, amount money.Money) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	if senderID == recipientID {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "cannot transfer to yourself")
	}
	if _, err := s.users.GetUser(ctx, recipientID); err != nil {
		return ledger.Transaction{}, err
	}

	debit := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        senderID,
		Type:          ledger.TypeTransfer,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Activation transfer to " + recipientID,
		Metadata: map[string]string{
			ledger.MetaBalanceClass:       ledger.BalanceClassActivation,
			ledger.MetaCounterpartyUserID: recipientID,
		},
	}

	err := s.balances.WithUserLock(senderID, func() error {
		if _, err := s.balances.AdjustLocked(ctx, senderID, amount.Neg(), debit.TransactionID,
			balance.WithActivationClass()); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, debit); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record transfer", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	credit := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        recipientID,
		Type:          ledger.TypeDeposit,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Activation transfer from " + senderID,
		Metadata: map[string]string{
			ledger.MetaBalanceClass:       ledger.BalanceClassActivation,
			ledger.MetaCounterpartyUserID: senderID,
		},
	}
	if err := s.ledger.Append(ctx, credit); err != nil {
		// The debit stands in the ledger; a reprojection of the recipient
		// cannot invent the missing credit, so this is loud.
		s.logger.Error().Err(err).
			Str("transactionId", credit.TransactionID).
			Msg("activation.credit_record_failed")
		return ledger.Transaction{}, apperrors.Wrap(apperrors.CodeDatabase, "record transfer credit", err)
	}
	if _, err := s.balances.Adjust(ctx, recipientID, amount, credit.TransactionID,
		balance.WithActivationClass()); err != nil {
		s.logger.Error().Err(err).
			Str("transactionId", credit.TransactionID).
			Msg("activation.credit_failed")
	}

	s.logger.Info().
		Str("transactionId", debit.TransactionID).
		Str("senderId", senderID).
		Str("recipientId", recipientID).
		Str("amount", amount.String()).
		Msg("activation.transferred")
	return debit, nil
}

// Activation SKU names for the two subscription tiers.
const (
	SKUClassique = "CLASSIQUE"
	SKUCible     = "CIBLE"
)

// ActivatableReferrals returns the sponsor's direct referrals who do not yet
// hold an active subscription of the given SKU, so the frontend can offer
// them for sponsorship.
func (s *Service) ActivatableReferrals(ctx context.Context, sponsorID, sku string) ([]userclient.User, error) {
	if _, err := s.Price(sku); err != nil {
		return nil, err
	}
	referrals, err := s.users.GetDirectReferrals(ctx, sponsorID)
	if err != nil {
		return nil, err
	}
	out := []userclient.User{}
	for _, u := range referrals {
		if !u.HasActiveSubscription(sku) {
			out = append(out, u)
		}
	}
	return out, nil
}

// UpgradableReferrals returns the sponsor's direct referrals holding
// CLASSIQUE but not CIBLE, the only upgrade path.
func (s *Service) UpgradableReferrals(ctx context.Context, sponsorID string) ([]userclient.User, error) {
	referrals, err := s.users.GetDirectReferrals(ctx, sponsorID)
	if err != nil {
		return nil, err
	}
	out := []userclient.User{}
	for _, u := range referrals {
		if u.HasActiveSubscription(SKUClassique) && !u.HasActiveSubscription(SKUCible) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Price returns the sponsor-activation price of a SKU in XAF.
func (s *Service) Price(sku string) (money.Money, error) {
	p, ok := s.cfg.Pricing[sku]
	if !ok || p.XAF == "" {
		return money.Money{}, apperrors.Newf(apperrors.CodeValidation, "unknown activation SKU %q", sku)
	}
	price, err := money.FromMajor(money.MustCurrency("XAF"), p.XAF)
	if err != nil {
		return money.Money{}, apperrors.Wrap(apperrors.CodeConfig, "parse activation price", err)
	}
	return price, nil
}

// Sponsor debits the sponsor's activation balance by the SKU price and
// activates the beneficiary. The subscription itself is set by an upstream
// consumer of the activation_done event; commissions fan out from the
// beneficiary's referrer chain under the activation plan table.
func (s *Service) Sponsor(ctx context.Context, sponsorID, beneficiaryID, sku string) (ledger.Transaction, error) {
	if sponsorID == beneficiaryID {
		return ledger.Transaction{}, apperrors.New(apperrors.CodeValidation, "cannot sponsor yourself")
	}
	price, err := s.Price(sku)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.users.GetUser(ctx, beneficiaryID); err != nil {
		return ledger.Transaction{}, err
	}

	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        sponsorID,
		Type:          ledger.TypeSponsorActivation,
		Amount:        price,
		Fee:           money.Zero(price.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Sponsored activation of " + sku,
		Metadata: map[string]string{
			ledger.MetaActivationSKU:     sku,
			ledger.MetaBeneficiaryUserID: beneficiaryID,
		},
	}

	err = s.balances.WithUserLock(sponsorID, func() error {
		if _, err := s.balances.AdjustLocked(ctx, sponsorID, price.Neg(), tx.TransactionID,
			balance.WithActivationClass()); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record sponsorship", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.logger.Info().
		Str("transactionId", tx.TransactionID).
		Str("sponsorId", sponsorID).
		Str("beneficiaryId", beneficiaryID).
		Str("sku", sku).
		Msg("activation.sponsored")

	s.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindActivationDone,
		UserID: beneficiaryID,
		Data: map[string]string{
			"sponsorId":     sponsorID,
			"sku":           sku,
			"transactionId": tx.TransactionID,
		},
	})

	if err := s.commissions.Distribute(ctx, commission.Request{
		Kind:         commission.KindActivation,
		SessionID:    tx.TransactionID,
		SourceUserID: beneficiaryID,
		PaymentType:  sku,
		PaidCurrency: price.Currency,
	}); err != nil {
		// Repairable later; the activation stands.
		s.logger.Error().Err(err).
			Str("transactionId", tx.TransactionID).
			Msg("activation.commission_distribution_failed")
	}
	return tx, nil
}
