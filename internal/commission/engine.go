// Package commission distributes referral commissions over the three-level
// sponsor chain after a payment settles.
package commission

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/userclient"
)

// maxLevels caps the sponsor chain depth.
const maxLevels = 3

// Kind selects the plan table: regular product payments or sponsor
// activations.
type Kind string

const (
	KindPayment    Kind = "payment"
	KindActivation Kind = "activation"
)

// Request describes one settled event to distribute commissions for.
type Request struct {
	Kind         Kind
	SessionID    string // Idempotency anchor shared with the payment
	SourceUserID string // Buyer (or activation beneficiary) whose chain earns
	PaymentType  string // Plan SKU (SUBSCRIPTION_CLASSIQUE, ...)
	PaidCurrency money.Currency
}

// schedule is a parsed plan schedule with per-level amounts.
type schedule struct {
	levels []money.Money
}

// Engine credits the sponsor chain. Amounts come from fixed plan schedules:
// the schedule (fiat or crypto) is chosen by how the buyer paid, and the
// credited currency is always the schedule's own, never the payment's.
type Engine struct {
	ledger   ledger.Store
	balances *balance.Service
	users    userclient.Directory
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu    sync.RWMutex
	plans map[Kind]map[string]plan
}

type plan struct {
	fiat   schedule
	crypto schedule
}

// NewEngine creates the commission engine from the configured plans.
func NewEngine(
	paymentPlans, activationPlans map[string]config.CommissionPlan,
	ledgerStore ledger.Store,
	balances *balance.Service,
	users userclient.Directory,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	e := &Engine{
		ledger:   ledgerStore,
		balances: balances,
		users:    users,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "commission").Logger(),
	}
	if err := e.SetPlans(paymentPlans, activationPlans); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPlans replaces the plan tables, for config reload on SIGHUP.
func (e *Engine) SetPlans(paymentPlans, activationPlans map[string]config.CommissionPlan) error {
	parsed := map[Kind]map[string]plan{
		KindPayment:    {},
		KindActivation: {},
	}
	for sku, p := range paymentPlans {
		pl, err := parsePlan(p)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeConfig, "parse commission plan "+sku, err)
		}
		parsed[KindPayment][sku] = pl
	}
	for sku, p := range activationPlans {
		pl, err := parsePlan(p)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeConfig, "parse activation plan "+sku, err)
		}
		parsed[KindActivation][sku] = pl
	}

	e.mu.Lock()
	e.plans = parsed
	e.mu.Unlock()
	return nil
}

func parsePlan(p config.CommissionPlan) (plan, error) {
	fiat, err := parseSchedule(p.Fiat)
	if err != nil {
		return plan{}, err
	}
	crypto, err := parseSchedule(p.Crypto)
	if err != nil {
		return plan{}, err
	}
	return plan{fiat: fiat, crypto: crypto}, nil
}

func parseSchedule(s config.PlanSchedule) (schedule, error) {
	cur, err := money.GetCurrency(s.Currency)
	if err != nil {
		return schedule{}, err
	}
	var out schedule
	for _, lvl := range s.Levels {
		m, err := money.FromMajor(cur, lvl)
		if err != nil {
			return schedule{}, err
		}
		out.levels = append(out.levels, m)
	}
	return out, nil
}

// scheduleFor picks the schedule by plan SKU and paid-currency class.
func (e *Engine) scheduleFor(kind Kind, sku string, paid money.Currency) (schedule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plans[kind][sku]
	if !ok {
		return schedule{}, false
	}
	if paid.Class() == money.ClassUSD {
		return p.crypto, true
	}
	return p.fiat, true
}

// Distribute credits the sponsor chain for one settled event. Each level is
// idempotent on (session, beneficiary, level) and best effort: a failure at
// one level logs and moves on so a flaky level-2 credit never blocks level 1
// or 3. The whole distribution is safe to re-run.
func (e *Engine) Distribute(ctx context.Context, req Request) error {
	sched, ok := e.scheduleFor(req.Kind, req.PaymentType, req.PaidCurrency)
	if !ok {
		e.logger.Warn().
			Str("paymentType", req.PaymentType).
			Str("sessionId", req.SessionID).
			Msg("commission.no_plan_for_type")
		e.skip("no_plan")
		return nil
	}

	chain, err := e.users.GetReferrerChain(ctx, req.SourceUserID, maxLevels)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "resolve referrer chain", err)
	}
	if len(chain) == 0 {
		e.skip("no_referrer")
		return nil
	}

	for i, beneficiary := range chain {
		level := i + 1
		if level > len(sched.levels) {
			break
		}
		amount := sched.levels[level-1]
		if amount.IsZero() {
			continue
		}
		if err := e.creditLevel(ctx, req, beneficiary, level, amount); err != nil {
			e.logger.Error().
				Err(err).
				Str("sessionId", req.SessionID).
				Str("beneficiary", beneficiary.ID).
				Int("level", level).
				Msg("commission.level_credit_failed")
		}
	}
	return nil
}

func (e *Engine) creditLevel(ctx context.Context, req Request, beneficiary userclient.User, level int, amount money.Money) error {
	levelStr := strconv.Itoa(level)
	idemKey := map[string]string{
		ledger.MetaSourcePaymentSessionID: req.SessionID,
		ledger.MetaCommissionLevel:        levelStr,
	}

	_, err := e.ledger.FindFirstByMetadata(ctx, beneficiary.ID, ledger.TypeDeposit, idemKey)
	if err == nil {
		e.skip("already_credited")
		return nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        beneficiary.ID,
		Type:          ledger.TypeDeposit,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   "Referral commission (level " + levelStr + ")",
		Metadata: map[string]string{
			ledger.MetaSourcePaymentSessionID: req.SessionID,
			ledger.MetaCommissionLevel:        levelStr,
			ledger.MetaPaymentType:            req.PaymentType,
			ledger.MetaCounterpartyUserID:     req.SourceUserID,
		},
	}
	if err := e.ledger.Append(ctx, tx); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			e.skip("already_credited")
			return nil
		}
		return err
	}

	if _, err := e.balances.Adjust(ctx, beneficiary.ID, amount, tx.TransactionID); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.CommissionCreditsTotal.WithLabelValues(levelStr, amount.Currency.Code).Inc()
		e.metrics.CommissionAmountTotal.WithLabelValues(levelStr, amount.Currency.Code).Add(float64(amount.Atomic))
	}
	e.logger.Info().
		Str("sessionId", req.SessionID).
		Str("beneficiary", beneficiary.ID).
		Int("level", level).
		Str("amount", amount.String()).
		Msg("commission.credited")

	e.notifier.Notify(ctx, notify.Event{
		Kind:   notify.KindCommissionEarned,
		UserID: beneficiary.ID,
		Data: map[string]string{
			"amount": amount.String(),
			"level":  levelStr,
		},
	})
	return nil
}

func (e *Engine) skip(reason string) {
	if e.metrics != nil {
		e.metrics.CommissionSkippedTotal.WithLabelValues(reason).Inc()
	}
}

// RepairSession re-runs distribution for a settled payment session, filling
// any levels that failed the first time. Admin tooling calls this after an
// incident; idempotency makes it safe on healthy sessions too.
func (e *Engine) RepairSession(ctx context.Context, sessionID string) error {
	src, err := e.ledger.FindFirstByMetadata(ctx, "", ledger.TypeDeposit, map[string]string{
		ledger.MetaSourcePaymentSessionID: sessionID,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNotFound, "no settled payment for session", err)
	}
	// Commission credits carry a level marker; the source deposit does not.
	if src.MetaValue(ledger.MetaCommissionLevel) != "" {
		return apperrors.New(apperrors.CodeConflict, "session resolves to a commission credit, not a payment")
	}

	return e.Distribute(ctx, Request{
		Kind:         KindPayment,
		SessionID:    sessionID,
		SourceUserID: src.UserID,
		PaymentType:  src.MetaValue(ledger.MetaPaymentType),
		PaidCurrency: src.Amount.Currency,
	})
}
