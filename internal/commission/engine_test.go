package commission

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/userclient"
)

var (
	xaf = money.MustCurrency("XAF")
	usd = money.MustCurrency("USD")
)

// fakeDirectory serves a fixed referrer chain per user.
type fakeDirectory struct {
	chains map[string][]userclient.User
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (userclient.User, error) {
	return userclient.User{ID: id}, nil
}

func (f *fakeDirectory) GetReferrerChain(_ context.Context, id string, depth int) ([]userclient.User, error) {
	chain := f.chains[id]
	if len(chain) > depth {
		chain = chain[:depth]
	}
	return chain, nil
}

func (f *fakeDirectory) GetDirectReferrals(context.Context, string) ([]userclient.User, error) {
	return nil, nil
}

func (f *fakeDirectory) FindUserIDs(context.Context, map[string]string) ([]string, error) {
	return nil, nil
}

func testPlans() map[string]config.CommissionPlan {
	return map[string]config.CommissionPlan{
		"SUBSCRIPTION_CLASSIQUE": {
			Fiat:   config.PlanSchedule{Currency: "XAF", Levels: []string{"1000", "500", "250"}},
			Crypto: config.PlanSchedule{Currency: "USD", Levels: []string{"2", "1", "0.5"}},
		},
	}
}

func newTestEngine(t *testing.T, chains map[string][]userclient.User) (*Engine, *ledger.MemoryStore, *balance.Service) {
	t.Helper()
	ledgerStore := ledger.NewMemoryStore()
	balances := balance.NewService(balance.NewMemoryStore(), ledgerStore, zerolog.Nop(), nil)
	engine, err := NewEngine(testPlans(), nil, ledgerStore, balances, &fakeDirectory{chains: chains}, notify.Noop{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine, ledgerStore, balances
}

func TestDistributeFullChainFiat(t *testing.T) {
	ctx := context.Background()
	engine, ledgerStore, balances := newTestEngine(t, map[string][]userclient.User{
		"buyer": {{ID: "sponsor-1"}, {ID: "sponsor-2"}, {ID: "sponsor-3"}},
	})

	err := engine.Distribute(ctx, Request{
		Kind:         KindPayment,
		SessionID:    "sess-1",
		SourceUserID: "buyer",
		PaymentType:  "SUBSCRIPTION_CLASSIQUE",
		PaidCurrency: xaf,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	want := map[string]int64{"sponsor-1": 1000, "sponsor-2": 500, "sponsor-3": 250}
	for user, amount := range want {
		b, err := balances.Get(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if b.Fiat.Atomic != amount {
			t.Errorf("%s fiat = %d, want %d", user, b.Fiat.Atomic, amount)
		}
	}

	// Each credit is a completed deposit tagged with session and level.
	tx, err := ledgerStore.FindFirstByMetadata(ctx, "sponsor-2", ledger.TypeDeposit, map[string]string{
		ledger.MetaSourcePaymentSessionID: "sess-1",
		ledger.MetaCommissionLevel:        "2",
	})
	if err != nil {
		t.Fatalf("level 2 entry: %v", err)
	}
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
}

func TestDistributeShortChainCrypto(t *testing.T) {
	ctx := context.Background()
	engine, _, balances := newTestEngine(t, map[string][]userclient.User{
		"buyer": {{ID: "sponsor-1"}},
	})

	err := engine.Distribute(ctx, Request{
		Kind:         KindPayment,
		SessionID:    "sess-2",
		SourceUserID: "buyer",
		PaymentType:  "SUBSCRIPTION_CLASSIQUE",
		PaidCurrency: money.MustCurrency("USDT-BSC"),
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Crypto payments credit the USD schedule in USD regardless of pay coin.
	b, err := balances.Get(ctx, "sponsor-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.USD.Atomic != 200 {
		t.Errorf("sponsor-1 usd = %d, want 200 (USD 2.00)", b.USD.Atomic)
	}
	if b.Fiat.Atomic != 0 {
		t.Errorf("sponsor-1 fiat = %d, want 0", b.Fiat.Atomic)
	}
}

func TestDistributeIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, _, balances := newTestEngine(t, map[string][]userclient.User{
		"buyer": {{ID: "sponsor-1"}, {ID: "sponsor-2"}},
	})

	req := Request{
		Kind:         KindPayment,
		SessionID:    "sess-3",
		SourceUserID: "buyer",
		PaymentType:  "SUBSCRIPTION_CLASSIQUE",
		PaidCurrency: xaf,
	}
	for i := 0; i < 3; i++ {
		if err := engine.Distribute(ctx, req); err != nil {
			t.Fatalf("distribute %d: %v", i, err)
		}
	}

	b, _ := balances.Get(ctx, "sponsor-1")
	if b.Fiat.Atomic != 1000 {
		t.Errorf("sponsor-1 fiat after replays = %d, want 1000", b.Fiat.Atomic)
	}
	b, _ = balances.Get(ctx, "sponsor-2")
	if b.Fiat.Atomic != 500 {
		t.Errorf("sponsor-2 fiat after replays = %d, want 500", b.Fiat.Atomic)
	}
}

func TestDistributeNoReferrer(t *testing.T) {
	ctx := context.Background()
	engine, ledgerStore, _ := newTestEngine(t, map[string][]userclient.User{})

	err := engine.Distribute(ctx, Request{
		Kind:         KindPayment,
		SessionID:    "sess-4",
		SourceUserID: "orphan",
		PaymentType:  "SUBSCRIPTION_CLASSIQUE",
		PaidCurrency: xaf,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	_, total, err := ledgerStore.Find(ctx, ledger.Filter{}, ledger.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("ledger entries = %d, want 0 for orphan buyer", total)
	}
}

func TestDistributeUnknownPlanIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, ledgerStore, _ := newTestEngine(t, map[string][]userclient.User{
		"buyer": {{ID: "sponsor-1"}},
	})

	err := engine.Distribute(ctx, Request{
		Kind:         KindPayment,
		SessionID:    "sess-5",
		SourceUserID: "buyer",
		PaymentType:  "UNKNOWN_SKU",
		PaidCurrency: xaf,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	_, total, _ := ledgerStore.Find(ctx, ledger.Filter{}, ledger.Page{})
	if total != 0 {
		t.Errorf("ledger entries = %d, want 0 for unknown SKU", total)
	}
}

func TestRepairSession(t *testing.T) {
	ctx := context.Background()
	engine, ledgerStore, balances := newTestEngine(t, map[string][]userclient.User{
		"buyer": {{ID: "sponsor-1"}, {ID: "sponsor-2"}},
	})

	// Simulate a settled payment whose distribution never ran.
	err := ledgerStore.Append(ctx, ledger.Transaction{
		TransactionID: "TXN-src",
		UserID:        "buyer",
		Type:          ledger.TypeDeposit,
		Amount:        money.New(xaf, 2070),
		Status:        ledger.StatusCompleted,
		Metadata: map[string]string{
			ledger.MetaSourcePaymentSessionID: "sess-6",
			ledger.MetaPaymentType:            "SUBSCRIPTION_CLASSIQUE",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.RepairSession(ctx, "sess-6"); err != nil {
		t.Fatalf("repair: %v", err)
	}
	b, _ := balances.Get(ctx, "sponsor-1")
	if b.Fiat.Atomic != 1000 {
		t.Errorf("sponsor-1 fiat = %d, want 1000", b.Fiat.Atomic)
	}

	// Second repair finds everything credited and changes nothing.
	if err := engine.RepairSession(ctx, "sess-6"); err != nil {
		t.Fatalf("second repair: %v", err)
	}
	b, _ = balances.Get(ctx, "sponsor-1")
	if b.Fiat.Atomic != 1000 {
		t.Errorf("sponsor-1 fiat after second repair = %d, want 1000", b.Fiat.Atomic)
	}
}
