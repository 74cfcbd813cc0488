package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/payment"
)

type scriptedPayout struct {
	name   gateway.Name
	status gateway.StatusResult
	err    error
	calls  int
}

func (s *scriptedPayout) Name() gateway.Name    { return s.name }
func (s *scriptedPayout) TrustedWebhooks() bool { return false }
func (s *scriptedPayout) CreateIntent(context.Context, gateway.IntentRequest) (gateway.IntentResult, error) {
	return gateway.IntentResult{}, nil
}
func (s *scriptedPayout) CheckStatus(context.Context, string) (gateway.StatusResult, error) {
	return gateway.StatusResult{}, nil
}
func (s *scriptedPayout) ParseWebhook(*http.Request, []byte) (gateway.WebhookEvent, error) {
	return gateway.WebhookEvent{}, nil
}
func (s *scriptedPayout) CreatePayout(context.Context, gateway.PayoutRequest) (gateway.PayoutResult, error) {
	return gateway.PayoutResult{}, nil
}
func (s *scriptedPayout) CheckPayoutStatus(context.Context, string) (gateway.StatusResult, error) {
	s.calls++
	return s.status, s.err
}

type payoutRegistry struct {
	provider *scriptedPayout
}

func (r *payoutRegistry) Payout(name gateway.Name) (gateway.PayoutProvider, error) {
	if name != r.provider.name {
		return nil, errors.New("unknown provider")
	}
	return r.provider, nil
}

type confirmCall struct {
	transactionID string
	outcome       gateway.Outcome
}

type recordingConfirmer struct {
	ledger *ledger.MemoryStore
	calls  []confirmCall
}

func (c *recordingConfirmer) ConfirmPayout(ctx context.Context, transactionID string, outcome gateway.Outcome, rawStatus, externalID string) (ledger.Transaction, error) {
	c.calls = append(c.calls, confirmCall{transactionID, outcome})
	if outcome == gateway.OutcomeSucceeded {
		return c.ledger.UpdateStatus(ctx, transactionID, ledger.StatusCompleted, ledger.Patch{})
	}
	return c.ledger.FindByTransactionID(ctx, transactionID)
}

type stubPayments struct {
	stale          map[gateway.Name][]payment.Intent
	reconcileCalls []string
}

func (p *stubPayments) FindStale(_ context.Context, name gateway.Name, _ time.Time, _ int) ([]payment.Intent, error) {
	return p.stale[name], nil
}
func (p *stubPayments) Reconcile(_ context.Context, sessionID string) error {
	p.reconcileCalls = append(p.reconcileCalls, sessionID)
	return nil
}
func (p *stubPayments) GetBySession(_ context.Context, sessionID string) (payment.Intent, error) {
	return payment.Intent{SessionID: sessionID, Status: payment.StatusSucceeded}, nil
}

func seedProcessingWithdrawal(t *testing.T, store *ledger.MemoryStore, id string) {
	t.Helper()
	xaf := money.MustCurrency("XAF")
	tx := ledger.Transaction{
		TransactionID: id,
		UserID:        "user-1",
		Type:          ledger.TypeWithdrawal,
		Amount:        money.New(xaf, 50_000),
		Fee:           money.New(xaf, 500),
		Status:        ledger.StatusPendingOTP,
		CreatedAt:     time.Now().Add(-time.Hour),
		Metadata: map[string]string{
			ledger.MetaWithdrawalType:        "mobile_money",
			ledger.MetaSelectedPayoutService: string(gateway.CinetPay),
		},
	}
	if err := store.Append(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	mustTransition(t, store, id, ledger.StatusPendingAdminApproval)
	mustTransition(t, store, id, ledger.StatusProcessing)
}

func mustTransition(t *testing.T, store *ledger.MemoryStore, id string, to ledger.Status) {
	t.Helper()
	if _, err := store.UpdateStatus(context.Background(), id, to, ledger.Patch{}); err != nil {
		t.Fatal(err)
	}
}

func newTestWorker(t *testing.T) (*Worker, *ledger.MemoryStore, *recordingConfirmer, *scriptedPayout, *stubPayments) {
	t.Helper()
	store := ledger.NewMemoryStore()
	confirmer := &recordingConfirmer{ledger: store}
	provider := &scriptedPayout{
		name:   gateway.CinetPay,
		status: gateway.StatusResult{Outcome: gateway.OutcomeSucceeded, RawStatus: "VAL"},
	}
	payments := &stubPayments{stale: map[gateway.Name][]payment.Intent{}}

	cfg := config.ReconcilerConfig{
		CallSpacing: config.Duration{Duration: time.Millisecond},
	}
	w := NewWorker(cfg, store, payments, confirmer, &payoutRegistry{provider: provider}, nil, zerolog.Nop())
	return w, store, confirmer, provider, payments
}

func TestSweepPromotesProcessingWithdrawal(t *testing.T) {
	w, store, confirmer, provider, _ := newTestWorker(t)
	seedProcessingWithdrawal(t, store, "TXN-stuck")

	w.Sweep(context.Background())

	if provider.calls != 1 {
		t.Errorf("payout status checks = %d, want 1", provider.calls)
	}
	if len(confirmer.calls) != 1 || confirmer.calls[0].outcome != gateway.OutcomeSucceeded {
		t.Fatalf("confirm calls = %+v, want one succeeded", confirmer.calls)
	}

	tx, _ := store.FindByTransactionID(context.Background(), "TXN-stuck")
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}

	// A second sweep finds nothing left in processing.
	w.Sweep(context.Background())
	if provider.calls != 1 {
		t.Errorf("payout status checks after second sweep = %d, want 1", provider.calls)
	}
}

func TestSweepStampsOnProviderFailure(t *testing.T) {
	w, store, confirmer, provider, _ := newTestWorker(t)
	seedProcessingWithdrawal(t, store, "TXN-stuck")
	provider.err = errors.New("timeout")

	w.Sweep(context.Background())

	if len(confirmer.calls) != 0 {
		t.Errorf("confirm calls = %d, want 0 on provider failure", len(confirmer.calls))
	}
	tx, _ := store.FindByTransactionID(context.Background(), "TXN-stuck")
	if tx.Status != ledger.StatusProcessing {
		t.Errorf("status = %s, want processing", tx.Status)
	}
	if tx.MetaValue(ledger.MetaStatusCheckedAt) == "" {
		t.Error("missing statusCheckedAt stamp")
	}
}

func TestSweepReconcilesStaleIntents(t *testing.T) {
	w, _, _, _, payments := newTestWorker(t)
	payments.stale[gateway.NOWPayments] = []payment.Intent{
		{SessionID: "PAY-1", Gateway: gateway.NOWPayments, Status: payment.StatusWaitingCryptoDeposit},
		{SessionID: "PAY-2", Gateway: gateway.NOWPayments, Status: payment.StatusProcessing},
	}

	w.Sweep(context.Background())

	if len(payments.reconcileCalls) != 2 {
		t.Fatalf("reconcile calls = %v, want PAY-1 and PAY-2", payments.reconcileCalls)
	}
}

func TestSweepHonorsBatchBudget(t *testing.T) {
	w, store, _, provider, _ := newTestWorker(t)
	w.cfg.BatchSize = 2
	seedProcessingWithdrawal(t, store, "TXN-1")
	seedProcessingWithdrawal(t, store, "TXN-2")
	seedProcessingWithdrawal(t, store, "TXN-3")

	w.Sweep(context.Background())

	if provider.calls != 2 {
		t.Errorf("checks = %d, want 2 (batch budget)", provider.calls)
	}
}

func TestSweepOne(t *testing.T) {
	w, store, confirmer, _, _ := newTestWorker(t)
	seedProcessingWithdrawal(t, store, "TXN-manual")

	if err := w.SweepOne(context.Background(), "TXN-manual"); err != nil {
		t.Fatalf("sweep one: %v", err)
	}
	if len(confirmer.calls) != 1 {
		t.Errorf("confirm calls = %d, want 1", len(confirmer.calls))
	}

	// Terminal entries are not eligible.
	if err := w.SweepOne(context.Background(), "TXN-manual"); err == nil {
		t.Error("sweeping a completed withdrawal should fail")
	}
}

func TestStartStop(t *testing.T) {
	w, _, _, _, _ := newTestWorker(t)
	w.cfg.Interval = config.Duration{Duration: time.Hour}

	w.Start(context.Background())
	w.Stop()
}
