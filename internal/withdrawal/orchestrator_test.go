package withdrawal

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/userclient"
)

var xaf = money.MustCurrency("XAF")

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	r.events = append(r.events, ev)
}
func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) lastOTP() string {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == notify.KindWithdrawalOTP {
			return r.events[i].Data["code"]
		}
	}
	return ""
}

type staticDirectory struct {
	user userclient.User
}

func (d staticDirectory) GetUser(context.Context, string) (userclient.User, error) {
	return d.user, nil
}
func (d staticDirectory) GetReferrerChain(context.Context, string, int) ([]userclient.User, error) {
	return nil, nil
}
func (d staticDirectory) GetDirectReferrals(context.Context, string) ([]userclient.User, error) {
	return nil, nil
}
func (d staticDirectory) FindUserIDs(context.Context, map[string]string) ([]string, error) {
	return nil, nil
}

// fakePayout scripts a payout provider.
type fakePayout struct {
	name        gateway.Name
	result      gateway.PayoutResult
	err         error
	payoutCalls int
}

func (f *fakePayout) Name() gateway.Name    { return f.name }
func (f *fakePayout) TrustedWebhooks() bool { return false }
func (f *fakePayout) CreateIntent(context.Context, gateway.IntentRequest) (gateway.IntentResult, error) {
	return gateway.IntentResult{}, nil
}
func (f *fakePayout) CheckStatus(context.Context, string) (gateway.StatusResult, error) {
	return gateway.StatusResult{}, nil
}
func (f *fakePayout) ParseWebhook(*http.Request, []byte) (gateway.WebhookEvent, error) {
	return gateway.WebhookEvent{}, nil
}
func (f *fakePayout) CreatePayout(context.Context, gateway.PayoutRequest) (gateway.PayoutResult, error) {
	f.payoutCalls++
	return f.result, f.err
}
func (f *fakePayout) CheckPayoutStatus(context.Context, string) (gateway.StatusResult, error) {
	return gateway.StatusResult{Outcome: f.result.Outcome, RawStatus: f.result.RawStatus}, nil
}

type fakePayoutRegistry struct {
	providers map[gateway.Name]gateway.PayoutProvider
}

func (f *fakePayoutRegistry) Payout(name gateway.Name) (gateway.PayoutProvider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot disburse", name)
	}
	return p, nil
}

type fixture struct {
	orch     *Orchestrator
	balances *balance.Service
	ledger   *ledger.MemoryStore
	notifier *recordingNotifier
	payout   *fakePayout
}

func newFixture(t *testing.T, cfg config.WithdrawalsConfig) *fixture {
	t.Helper()
	if cfg.MinMobileMoneyXAF == 0 {
		cfg.MinMobileMoneyXAF = 500
	}
	if cfg.MobileMoneyFee == (config.FeeRule{}) {
		cfg.MobileMoneyFee = config.FeeRule{FixedAtomic: 500}
	}

	ledgerStore := ledger.NewMemoryStore()
	balances := balance.NewService(balance.NewMemoryStore(), ledgerStore, zerolog.Nop(), nil)
	notifier := &recordingNotifier{}
	payout := &fakePayout{
		name:   gateway.CinetPay,
		result: gateway.PayoutResult{ExternalID: "payout-1", Outcome: gateway.OutcomePending, RawStatus: "NEW"},
	}
	registry := &fakePayoutRegistry{providers: map[gateway.Name]gateway.PayoutProvider{
		gateway.CinetPay: payout,
	}}
	dir := staticDirectory{user: userclient.User{
		ID:         "user-1",
		MomoNumber: "237670000001",
	}}

	orch := NewOrchestrator(cfg, ledgerStore, balances, dir, registry, notifier, nil, zerolog.Nop())
	return &fixture{orch: orch, balances: balances, ledger: ledgerStore, notifier: notifier, payout: payout}
}

func (f *fixture) credit(t *testing.T, userID string, atomic int64) {
	t.Helper()
	if _, err := f.balances.Adjust(context.Background(), userID, money.New(xaf, atomic), "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func mobileMoneyRequest(atomic int64) InitiateRequest {
	return InitiateRequest{
		UserID: "user-1",
		Amount: money.New(xaf, atomic),
		Type:   TypeMobileMoney,
	}
}

func TestWithdrawalHappyPath(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{DailyLimitXAF: 500_000, MaxPerDay: 3})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if tx.Status != ledger.StatusPendingOTP {
		t.Errorf("status = %s, want pending_otp_verification", tx.Status)
	}
	if tx.Fee.Atomic != 500 {
		t.Errorf("fee = %d, want 500", tx.Fee.Atomic)
	}

	// No debit before approval.
	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 100_000 {
		t.Errorf("balance after initiate = %d, want 100000", b.Fiat.Atomic)
	}

	code := f.notifier.lastOTP()
	if len(code) != 6 {
		t.Fatalf("otp code = %q, want 6 digits", code)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, code); err != nil {
		t.Fatalf("verify otp: %v", err)
	}

	approved, err := f.orch.AdminApprove(ctx, tx.TransactionID, "admin-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != ledger.StatusProcessing {
		t.Errorf("status after approval = %s, want processing", approved.Status)
	}
	if f.payout.payoutCalls != 1 {
		t.Errorf("payout calls = %d, want 1", f.payout.payoutCalls)
	}

	b, _ = f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 49_500 {
		t.Errorf("balance after approval = %d, want 49500", b.Fiat.Atomic)
	}
	if b.DailyWithdrawalCount != 1 || b.DailyWithdrawnXAF != 50_000 {
		t.Errorf("daily counters = (%d, %d), want (1, 50000)",
			b.DailyWithdrawalCount, b.DailyWithdrawnXAF)
	}

	done, err := f.orch.ConfirmPayout(ctx, tx.TransactionID, gateway.OutcomeSucceeded, "VAL", "payout-1")
	if err != nil {
		t.Fatalf("confirm payout: %v", err)
	}
	if done.Status != ledger.StatusCompleted {
		t.Errorf("final status = %s, want completed", done.Status)
	}
	b, _ = f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 49_500 {
		t.Errorf("balance after completion = %d, want 49500", b.Fiat.Atomic)
	}

	// Second confirmation is a no-op.
	if _, err := f.orch.ConfirmPayout(ctx, tx.TransactionID, gateway.OutcomeSucceeded, "VAL", "payout-1"); err != nil {
		t.Errorf("duplicate confirmation: %v", err)
	}
}

func TestWithdrawalRejectedByAdmin(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, f.notifier.lastOTP()); err != nil {
		t.Fatal(err)
	}

	rejected, err := f.orch.AdminReject(ctx, tx.TransactionID, "admin-1", "KYC pending")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != ledger.StatusRejectedByAdmin {
		t.Errorf("status = %s, want rejected_by_admin", rejected.Status)
	}

	// No debit ever happened, so nothing to refund.
	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 100_000 {
		t.Errorf("balance = %d, want 100000", b.Fiat.Atomic)
	}
	if b.DailyWithdrawalCount != 0 {
		t.Errorf("daily count = %d, want 0", b.DailyWithdrawalCount)
	}

	if _, err := f.orch.AdminReject(ctx, tx.TransactionID, "admin-1", "again"); err == nil {
		t.Error("rejecting a terminal withdrawal should fail")
	}
}

func TestOTPReplayAndWrongCode(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	code := f.notifier.lastOTP()

	// A wrong code does not consume the OTP.
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, "000000"); apperrors.CodeOf(err) != apperrors.CodeOTPInvalid {
		t.Errorf("wrong code error = %v, want otp_invalid", err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, code); err != nil {
		t.Fatalf("verify after wrong attempt: %v", err)
	}

	// Replaying the consumed code is rejected.
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, code); apperrors.CodeOf(err) != apperrors.CodeOTPInvalid {
		t.Errorf("replay error = %v, want otp_invalid", err)
	}
}

func TestOTPExpired(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	expired := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if err := f.ledger.PatchMetadata(ctx, tx.TransactionID, map[string]string{
		ledger.MetaOTPExpiresAt: expired,
	}); err != nil {
		t.Fatal(err)
	}

	_, err = f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, f.notifier.lastOTP())
	if apperrors.CodeOf(err) != apperrors.CodeOTPExpired {
		t.Errorf("error = %v, want otp_expired", err)
	}
}

func TestPendingBlockingTransaction(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	if _, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000)); err != nil {
		t.Fatal(err)
	}
	_, err := f.orch.Initiate(ctx, mobileMoneyRequest(10_000))
	if apperrors.CodeOf(err) != apperrors.CodePendingBlockingTransaction {
		t.Errorf("error = %v, want pending_blocking_transaction", err)
	}
}

func TestPayoutFailureRefunds(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, f.notifier.lastOTP()); err != nil {
		t.Fatal(err)
	}

	f.payout.result = gateway.PayoutResult{Outcome: gateway.OutcomeFailed, RawStatus: "REJ"}
	if _, err := f.orch.AdminApprove(ctx, tx.TransactionID, "admin-1"); err == nil {
		t.Fatal("expected payout failure")
	}

	got, err := f.ledger.FindByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// Amount plus fee back, daily counters rolled back.
	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 100_000 {
		t.Errorf("balance = %d, want 100000", b.Fiat.Atomic)
	}
	if b.DailyWithdrawalCount != 0 || b.DailyWithdrawnXAF != 0 {
		t.Errorf("daily counters = (%d, %d), want (0, 0)",
			b.DailyWithdrawalCount, b.DailyWithdrawnXAF)
	}
}

func TestRetryablePayoutFailureStaysProcessing(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, f.notifier.lastOTP()); err != nil {
		t.Fatal(err)
	}

	f.payout.err = fmt.Errorf("%w: connection reset", gateway.ErrUnavailable)
	approved, err := f.orch.AdminApprove(ctx, tx.TransactionID, "admin-1")
	if err != nil {
		t.Fatalf("approve with transient payout failure: %v", err)
	}
	if approved.Status != ledger.StatusProcessing {
		t.Errorf("status = %s, want processing for the reconciler", approved.Status)
	}

	// Debit stands; the reconciler settles the payout later.
	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 49_500 {
		t.Errorf("balance = %d, want 49500", b.Fiat.Atomic)
	}
}

func TestUserCancel(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := f.orch.UserCancel(ctx, "user-1", tx.TransactionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != ledger.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	// After OTP verification the entry belongs to the admin queue.
	tx2, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx2.TransactionID, f.notifier.lastOTP()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.UserCancel(ctx, "user-1", tx2.TransactionID); err == nil {
		t.Error("cancel after verification should fail")
	}
}

func TestDailyLimits(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{DailyLimitXAF: 60_000, MaxPerDay: 3})
	ctx := context.Background()
	f.credit(t, "user-1", 200_000)

	tx, err := f.orch.Initiate(ctx, mobileMoneyRequest(50_000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.VerifyOTP(ctx, "user-1", tx.TransactionID, f.notifier.lastOTP()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.AdminApprove(ctx, tx.TransactionID, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.ConfirmPayout(ctx, tx.TransactionID, gateway.OutcomeSucceeded, "VAL", "p-1"); err != nil {
		t.Fatal(err)
	}

	_, err = f.orch.Initiate(ctx, mobileMoneyRequest(15_000))
	if apperrors.CodeOf(err) != apperrors.CodeDailyLimitExceeded {
		t.Errorf("error = %v, want daily_limit_exceeded", err)
	}
}

func TestFeexpayPayoutsDisabled(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{FeexpayPayoutsEnabled: false})
	ctx := context.Background()
	f.credit(t, "user-1", 100_000)

	req := mobileMoneyRequest(50_000)
	req.Service = gateway.FeexPay
	_, err := f.orch.Initiate(ctx, req)
	if err == nil {
		t.Fatal("expected blocked initiation")
	}

	// The attempt leaves an audit trace but consumes no OTP.
	txs, total, _ := f.ledger.Find(ctx, ledger.Filter{UserID: "user-1"}, ledger.Page{})
	if total != 1 {
		t.Fatalf("ledger entries = %d, want 1", total)
	}
	if txs[0].Status != ledger.StatusFailed {
		t.Errorf("status = %s, want failed", txs[0].Status)
	}
	if txs[0].MetaValue(ledger.MetaBlockedReason) == "" {
		t.Error("missing blocked reason")
	}
	if f.notifier.lastOTP() != "" {
		t.Error("no OTP should be issued for a blocked attempt")
	}

	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 100_000 {
		t.Errorf("balance = %d, want 100000", b.Fiat.Atomic)
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{MinMobileMoneyXAF: 1000, MinCryptoUSDCents: 500})
	ctx := context.Background()

	tests := []struct {
		name string
		req  InitiateRequest
		code apperrors.Code
	}{
		{
			"not multiple of 5",
			InitiateRequest{UserID: "user-1", Amount: money.New(xaf, 1001), Type: TypeMobileMoney},
			apperrors.CodeValidation,
		},
		{
			"below mobile money minimum",
			InitiateRequest{UserID: "user-1", Amount: money.New(xaf, 500), Type: TypeMobileMoney},
			apperrors.CodeAmountBelowMinimum,
		},
		{
			"below crypto minimum",
			InitiateRequest{UserID: "user-1", Amount: money.New(money.MustCurrency("USD"), 100), Type: TypeCrypto},
			apperrors.CodeAmountBelowMinimum,
		},
		{
			"crypto in fiat currency",
			InitiateRequest{UserID: "user-1", Amount: money.New(xaf, 1000), Type: TypeCrypto},
			apperrors.CodeValidation,
		},
		{
			"unknown type",
			InitiateRequest{UserID: "user-1", Amount: money.New(xaf, 1000), Type: "wire"},
			apperrors.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Initiate(ctx, tt.req)
			if apperrors.CodeOf(err) != tt.code {
				t.Errorf("error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestEstimateFee(t *testing.T) {
	f := newFixture(t, config.WithdrawalsConfig{
		MobileMoneyFee: config.FeeRule{FixedAtomic: 100, Percent: 2},
	})

	est, err := f.orch.EstimateFee(mobileMoneyRequest(10_000))
	if err != nil {
		t.Fatal(err)
	}
	if est.Fee.Atomic != 300 { // 100 fixed + 2% of 10000
		t.Errorf("fee = %d, want 300", est.Fee.Atomic)
	}
	if est.Total.Atomic != 10_300 {
		t.Errorf("total = %d, want 10300", est.Total.Atomic)
	}
}
