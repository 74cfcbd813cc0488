package balance

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// lockShards bounds lock memory while keeping cross-user contention rare.
const lockShards = 64

// Service owns all balance mutations. Every write for a user goes through
// that user's lock, so check-then-adjust sequences (withdrawal initiation,
// settlement crediting) are serialized without database transactions.
type Service struct {
	store   Store
	ledger  ledger.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	locks   [lockShards]sync.Mutex
}

// NewService creates the balance service.
func NewService(store Store, ledgerStore ledger.Store, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		ledger:  ledgerStore,
		logger:  logger.With().Str("component", "balance").Logger(),
		metrics: m,
	}
}

func (s *Service) shard(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.locks[h.Sum32()%lockShards]
}

// WithUserLock runs fn while holding the user's balance lock. Orchestrators
// use it to make multi-step check-then-mutate sequences atomic per user.
func (s *Service) WithUserLock(userID string, fn func() error) error {
	mu := s.shard(userID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Get returns the user's balance view, zero-valued for unknown users.
func (s *Service) Get(ctx context.Context, userID string) (Balances, error) {
	b, err := s.store.Get(ctx, userID)
	if err == ErrNotFound {
		return NewBalances(userID), nil
	}
	if err != nil {
		return Balances{}, apperrors.Wrap(apperrors.CodeDatabase, "load balance", err)
	}
	b.normalizeDay(time.Now())
	return b, nil
}

// AdjustOption tweaks a single adjustment.
type AdjustOption func(*adjustOptions)

type adjustOptions struct {
	adminOverride bool
	activation    bool
}

// WithAdminOverride allows the adjustment to drive a balance negative.
// Reserved for admin corrections; normal flows never pass it.
func WithAdminOverride() AdjustOption {
	return func(o *adjustOptions) { o.adminOverride = true }
}

// WithActivationClass routes the adjustment to the activation sub-ledger
// instead of the spendable class the currency would normally select.
func WithActivationClass() AdjustOption {
	return func(o *adjustOptions) { o.activation = true }
}

// Adjust applies a signed delta to the user's balance. The target class
// follows the delta's currency: XAF and other fiat adjust the fiat balance,
// USD adjusts the usd balance. A debit that would go negative fails with
// insufficient_funds unless the admin override is set.
func (s *Service) Adjust(ctx context.Context, userID string, delta money.Money, correlationID string, opts ...AdjustOption) (Balances, error) {
	var o adjustOptions
	for _, opt := range opts {
		opt(&o)
	}

	mu := s.shard(userID)
	mu.Lock()
	defer mu.Unlock()
	return s.adjustLocked(ctx, userID, delta, correlationID, o)
}

// AdjustLocked is Adjust without acquiring the user lock, for callers already
// inside WithUserLock.
func (s *Service) AdjustLocked(ctx context.Context, userID string, delta money.Money, correlationID string, opts ...AdjustOption) (Balances, error) {
	var o adjustOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.adjustLocked(ctx, userID, delta, correlationID, o)
}

func (s *Service) adjustLocked(ctx context.Context, userID string, delta money.Money, correlationID string, o adjustOptions) (Balances, error) {
	b, err := s.store.Get(ctx, userID)
	if err == ErrNotFound {
		b = NewBalances(userID)
	} else if err != nil {
		return Balances{}, apperrors.Wrap(apperrors.CodeDatabase, "load balance", err)
	}
	b.normalizeDay(time.Now())

	var (
		target *money.Money
		class  string
	)
	switch {
	case o.activation:
		target, class = &b.Activation, "activation"
	case delta.Currency.Class() == money.ClassUSD:
		target, class = &b.USD, "usd"
	default:
		target, class = &b.Fiat, "fiat"
	}

	next := target.Atomic + delta.Atomic
	if next < 0 && !o.adminOverride {
		return Balances{}, apperrors.Newf(apperrors.CodeInsufficientFunds,
			"insufficient %s balance", class)
	}
	target.Atomic = next

	if err := s.store.Save(ctx, b); err != nil {
		return Balances{}, apperrors.Wrap(apperrors.CodeDatabase, "save balance", err)
	}

	direction := "credit"
	if delta.Atomic < 0 {
		direction = "debit"
	}
	if s.metrics != nil {
		s.metrics.BalanceAdjustmentsTotal.WithLabelValues(class, direction).Inc()
	}
	s.logger.Info().
		Str("userId", userID).
		Str("class", class).
		Str("delta", delta.String()).
		Str("correlationId", correlationID).
		Int64("balanceAtomic", target.Atomic).
		Msg("balance.adjusted")
	return b, nil
}

// RecordWithdrawal bumps the user's daily counters at approval time.
func (s *Service) RecordWithdrawal(ctx context.Context, userID string, amountXAF int64) error {
	mu := s.shard(userID)
	mu.Lock()
	defer mu.Unlock()
	return s.recordWithdrawalLocked(ctx, userID, amountXAF)
}

// RecordWithdrawalLocked is RecordWithdrawal for callers inside WithUserLock.
func (s *Service) RecordWithdrawalLocked(ctx context.Context, userID string, amountXAF int64) error {
	return s.recordWithdrawalLocked(ctx, userID, amountXAF)
}

func (s *Service) recordWithdrawalLocked(ctx context.Context, userID string, amountXAF int64) error {
	b, err := s.store.Get(ctx, userID)
	if err == ErrNotFound {
		b = NewBalances(userID)
	} else if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "load balance", err)
	}
	b.normalizeDay(time.Now())
	b.DailyWithdrawnXAF += amountXAF
	b.DailyWithdrawalCount++
	if err := s.store.Save(ctx, b); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "save balance", err)
	}
	return nil
}

// RollbackWithdrawal reverses the daily counters after a failed payout, but
// only when the day has not rolled over since approval.
func (s *Service) RollbackWithdrawal(ctx context.Context, userID string, amountXAF int64, approvedAt time.Time) error {
	mu := s.shard(userID)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.store.Get(ctx, userID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "load balance", err)
	}
	if b.DailyCounterDate != dayKey(approvedAt) {
		// Counters already reset; nothing to reverse.
		return nil
	}
	b.DailyWithdrawnXAF -= amountXAF
	if b.DailyWithdrawnXAF < 0 {
		b.DailyWithdrawnXAF = 0
	}
	if b.DailyWithdrawalCount > 0 {
		b.DailyWithdrawalCount--
	}
	if err := s.store.Save(ctx, b); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "save balance", err)
	}
	return nil
}

// CheckDailyLimits verifies the amount fits in the user's remaining daily
// allowance. Callers hold the user lock through the subsequent debit.
func (s *Service) CheckDailyLimits(ctx context.Context, userID string, amountXAF, limitXAF int64, maxPerDay int) error {
	b, err := s.store.Get(ctx, userID)
	if err == ErrNotFound {
		b = NewBalances(userID)
	} else if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "load balance", err)
	}
	b.normalizeDay(time.Now())

	if maxPerDay > 0 && b.DailyWithdrawalCount >= maxPerDay {
		return apperrors.Newf(apperrors.CodeDailyLimitExceeded,
			"maximum of %d withdrawals per day reached", maxPerDay)
	}
	if limitXAF > 0 && b.DailyWithdrawnXAF+amountXAF > limitXAF {
		return apperrors.Newf(apperrors.CodeDailyLimitExceeded,
			"daily withdrawal limit of %d XAF exceeded", limitXAF)
	}
	return nil
}

// Reproject rebuilds the user's balance view from the full ledger history.
// Daily counters reset; they are operational state, not ledger facts.
func (s *Service) Reproject(ctx context.Context, userID string) (Balances, error) {
	mu := s.shard(userID)
	mu.Lock()
	defer mu.Unlock()

	b := NewBalances(userID)
	page := ledger.Page{Page: 1, Limit: 100}
	for {
		txs, total, err := s.ledger.Find(ctx, ledger.Filter{UserID: userID}, page)
		if err != nil {
			return Balances{}, apperrors.Wrap(apperrors.CodeDatabase, "read ledger", err)
		}
		for i := range txs {
			applyToProjection(&b, &txs[i])
		}
		if int64(page.Page*page.Limit) >= total {
			break
		}
		page.Page++
	}

	b.DailyCounterDate = dayKey(time.Now())
	if err := s.store.Save(ctx, b); err != nil {
		return Balances{}, apperrors.Wrap(apperrors.CodeDatabase, "save balance", err)
	}
	s.logger.Info().
		Str("userId", userID).
		Int64("fiatAtomic", b.Fiat.Atomic).
		Int64("usdAtomic", b.USD.Atomic).
		Int64("activationAtomic", b.Activation.Atomic).
		Msg("balance.reprojected")
	return b, nil
}

// applyToProjection folds one ledger entry into the balance view.
//
// Withdrawals debit while processing because funds leave at admin approval;
// a payout failure moves the entry to failed, which stops debiting here and
// matches the runtime refund credit.
func applyToProjection(b *Balances, tx *ledger.Transaction) {
	creditClass := func(m money.Money) *money.Money {
		if tx.MetaValue(ledger.MetaBalanceClass) == ledger.BalanceClassActivation {
			return &b.Activation
		}
		if m.Currency.Class() == money.ClassUSD {
			return &b.USD
		}
		return &b.Fiat
	}

	switch tx.Type {
	case ledger.TypeDeposit, ledger.TypeRefund:
		if tx.Status == ledger.StatusCompleted {
			creditClass(tx.Amount).Atomic += tx.Amount.Atomic
		}
	case ledger.TypeWithdrawal:
		if tx.Status == ledger.StatusProcessing || tx.Status == ledger.StatusCompleted {
			creditClass(tx.Amount).Atomic -= tx.Amount.Atomic + tx.Fee.Atomic
		}
	case ledger.TypePayment, ledger.TypeFee, ledger.TypeTransfer, ledger.TypeConversion:
		if tx.Status == ledger.StatusCompleted {
			creditClass(tx.Amount).Atomic -= tx.Amount.Atomic + tx.Fee.Atomic
		}
	case ledger.TypeSponsorActivation:
		if tx.Status == ledger.StatusCompleted {
			b.Activation.Atomic -= tx.Amount.Atomic
		}
	case ledger.TypeActivationTransferIn:
		if tx.Status == ledger.StatusCompleted {
			b.Fiat.Atomic -= tx.Amount.Atomic
			b.Activation.Atomic += tx.Amount.Atomic
		}
	case ledger.TypeActivationTransferOut:
		if tx.Status == ledger.StatusCompleted {
			b.Activation.Atomic -= tx.Amount.Atomic
			b.Fiat.Atomic += tx.Amount.Atomic
		}
	}
}

// HasPendingBlockingTransactions reports whether the user has a live
// debit-bearing entry that blocks account mutations (another withdrawal, an
// account closure). Credits in flight never block.
func (s *Service) HasPendingBlockingTransactions(ctx context.Context, userID string) (bool, error) {
	blocked, err := s.ledger.HasNonTerminal(ctx, userID,
		ledger.TypeWithdrawal,
		ledger.TypeTransfer,
		ledger.TypePayment,
		ledger.TypeFee,
		ledger.TypeConversion,
		ledger.TypeSponsorActivation,
		ledger.TypeActivationTransferIn,
		ledger.TypeActivationTransferOut,
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeDatabase, "check pending transactions", err)
	}
	return blocked, nil
}

// String renders the balance view for logs.
func (b Balances) String() string {
	return fmt.Sprintf("fiat=%s usd=%s activation=%s", b.Fiat, b.USD, b.Activation)
}
