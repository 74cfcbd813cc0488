package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/activation"
	"github.com/sbc-platform/payment-engine/internal/auth"
	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/commission"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/payment"
	"github.com/sbc-platform/payment-engine/internal/userclient"
	"github.com/sbc-platform/payment-engine/internal/withdrawal"
)

const (
	testJWTSecret     = "jwt-secret"
	testServiceSecret = "svc-secret"
)

var xaf = money.MustCurrency("XAF")

// fakeAdapter is a scriptable provider with payout and balance support.
type fakeAdapter struct {
	name     gateway.Name
	status   gateway.StatusResult
	payout   gateway.PayoutResult
	balances map[string]float64
}

func (a *fakeAdapter) Name() gateway.Name    { return a.name }
func (a *fakeAdapter) TrustedWebhooks() bool { return false }

func (a *fakeAdapter) CreateIntent(context.Context, gateway.IntentRequest) (gateway.IntentResult, error) {
	return gateway.IntentResult{
		ExternalID:  "ext-1",
		CheckoutURL: "https://pay.example/checkout",
		RawStatus:   "CREATED",
	}, nil
}

func (a *fakeAdapter) CheckStatus(context.Context, string) (gateway.StatusResult, error) {
	return a.status, nil
}

func (a *fakeAdapter) ParseWebhook(_ *http.Request, body []byte) (gateway.WebhookEvent, error) {
	var payload struct {
		SessionID     string `json:"sessionId"`
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || (payload.SessionID == "" && payload.TransactionID == "") {
		return gateway.WebhookEvent{}, fmt.Errorf("malformed webhook")
	}
	if payload.TransactionID != "" {
		// Disbursement notification keyed by the withdrawal id.
		return gateway.WebhookEvent{
			Gateway:   a.name,
			SessionID: payload.TransactionID,
			Outcome:   gateway.OutcomeUnknown,
			RawStatus: payload.Status,
			Payout:    true,
		}, nil
	}
	return gateway.WebhookEvent{
		Gateway:   a.name,
		SessionID: payload.SessionID,
		Outcome:   gateway.OutcomeUnknown,
		RawStatus: payload.Status,
	}, nil
}

func (a *fakeAdapter) CreatePayout(context.Context, gateway.PayoutRequest) (gateway.PayoutResult, error) {
	return a.payout, nil
}

func (a *fakeAdapter) CheckPayoutStatus(context.Context, string) (gateway.StatusResult, error) {
	return a.status, nil
}

func (a *fakeAdapter) Balance(context.Context) (map[string]float64, error) {
	return a.balances, nil
}

// adapterSet implements the resolver, payout registry and lister interfaces.
type adapterSet struct {
	adapters map[gateway.Name]gateway.Adapter
}

func (s *adapterSet) Get(name gateway.Name) (gateway.Adapter, error) {
	a, ok := s.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
	return a, nil
}

func (s *adapterSet) Payout(name gateway.Name) (gateway.PayoutProvider, error) {
	a, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return a.(gateway.PayoutProvider), nil
}

func (s *adapterSet) All() []gateway.Adapter {
	out := make([]gateway.Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	return out
}

type staticDirectory struct{}

func (staticDirectory) GetUser(_ context.Context, id string) (userclient.User, error) {
	return userclient.User{ID: id, MomoNumber: "237650000001", CryptoAddress: "0xabc"}, nil
}
func (staticDirectory) GetReferrerChain(context.Context, string, int) ([]userclient.User, error) {
	return nil, nil
}
func (staticDirectory) GetDirectReferrals(_ context.Context, sponsorID string) ([]userclient.User, error) {
	if sponsorID != "user-1" {
		return nil, nil
	}
	return []userclient.User{
		{ID: "ref-1"},
		{ID: "ref-2", ActiveSubscriptions: []string{"CLASSIQUE"}},
		{ID: "ref-3", ActiveSubscriptions: []string{"CLASSIQUE", "CIBLE"}},
	}, nil
}
func (staticDirectory) FindUserIDs(context.Context, map[string]string) ([]string, error) {
	return nil, nil
}

type recordingNotifier struct {
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) { n.events = append(n.events, ev) }
func (n *recordingNotifier) Close() error                              { return nil }

func (n *recordingNotifier) lastOTP(t *testing.T) string {
	t.Helper()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Kind == notify.KindWithdrawalOTP {
			return n.events[i].Data["code"]
		}
	}
	t.Fatal("no OTP event recorded")
	return ""
}

type fakeSweeper struct {
	swept     chan struct{}
	singleIDs []string
}

func (s *fakeSweeper) Sweep(context.Context) {
	if s.swept != nil {
		s.swept <- struct{}{}
	}
}
func (s *fakeSweeper) SweepOne(_ context.Context, id string) error {
	s.singleIDs = append(s.singleIDs, id)
	return nil
}

type fixture struct {
	handler  http.Handler
	ledger   *ledger.MemoryStore
	balances *balance.Service
	adapter  *fakeAdapter
	notifier *recordingNotifier
	sweeper  *fakeSweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth = config.AuthConfig{JWTSecret: testJWTSecret, ServiceSecret: testServiceSecret}
	cfg.RateLimit = config.RateLimitConfig{RequestsPerMinute: 10_000, WebhooksPerMinute: 10_000}
	cfg.Withdrawals = config.WithdrawalsConfig{
		MinMobileMoneyXAF: 500,
		DailyLimitXAF:     500_000,
		MaxPerDay:         3,
		OTPTTL:            config.Duration{Duration: 10 * time.Minute},
		MobileMoneyFee:    config.FeeRule{FixedAtomic: 500},
	}
	cfg.Activation = config.ActivationConfig{
		Pricing: map[string]config.ActivationPrice{"CLASSIQUE": {XAF: "2000"}},
	}

	store := ledger.NewMemoryStore()
	balances := balance.NewService(balance.NewMemoryStore(), store, zerolog.Nop(), nil)
	dir := staticDirectory{}
	notifier := &recordingNotifier{}

	engine, err := commission.NewEngine(nil, nil, store, balances, dir, notify.Noop{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{
		name:     gateway.CinetPay,
		status:   gateway.StatusResult{Outcome: gateway.OutcomePending, RawStatus: "PENDING"},
		payout:   gateway.PayoutResult{Outcome: gateway.OutcomePending, RawStatus: "NEW"},
		balances: map[string]float64{"XAF": 150_000},
	}
	set := &adapterSet{adapters: map[gateway.Name]gateway.Adapter{gateway.CinetPay: adapter}}

	withdrawals := withdrawal.NewOrchestrator(cfg.Withdrawals, store, balances, dir, set, notifier, nil, zerolog.Nop())
	payments := payment.NewManager(payment.NewMemoryStore(), store, balances, set, engine, withdrawals, notifier, nil, zerolog.Nop())
	activations := activation.NewService(cfg.Activation, store, balances, dir, engine, notifier, zerolog.Nop())
	sweeper := &fakeSweeper{swept: make(chan struct{}, 1)}

	srv := New(cfg, payments, withdrawals, activations, engine, store, balances, dir, set, sweeper, nil, zerolog.Nop())
	return &fixture{
		handler:  srv.Router(),
		ledger:   store,
		balances: balances,
		adapter:  adapter,
		notifier: notifier,
		sweeper:  sweeper,
	}
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{UserID: userID, Role: role})
	signed, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

type request struct {
	method  string
	path    string
	token   string
	service bool
	body    any
}

func (f *fixture) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(req.method, req.path, rd)
	r.Header.Set("Content-Type", "application/json")
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.service {
		r.Header.Set("X-Service-Secret", testServiceSecret)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Page  int   `json:"page"`
		Total int64 `json:"total"`
	} `json:"pagination"`
}

func parseEnvelope(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int) envelope {
	t.Helper()
	if rec.Code != wantStatus {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, wantStatus, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("parse envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v (data %s)", err, env.Data)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, request{method: "GET", path: "/api/transactions/history"})
	env := parseEnvelope(t, rec, http.StatusUnauthorized)
	if env.Success {
		t.Error("unauthenticated response marked success")
	}

	rec = f.do(t, request{method: "POST", path: "/api/internal/deposit", body: map[string]string{}})
	parseEnvelope(t, rec, http.StatusUnauthorized)
}

func TestAdminRoleEnforced(t *testing.T) {
	f := newFixture(t)
	userToken := signToken(t, "user-1", "")

	rec := f.do(t, request{method: "GET", path: "/api/admin/withdrawals/pending", token: userToken})
	parseEnvelope(t, rec, http.StatusForbidden)
}

func TestCreateIntentAndPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userToken := signToken(t, "user-1", "")

	rec := f.do(t, request{method: "POST", path: "/api/payments/intent", token: userToken, body: map[string]string{
		"gateway":     "cinetpay",
		"paymentType": "SUBSCRIPTION_CLASSIQUE",
		"amount":      "2070",
		"currency":    "XAF",
	}})
	env := parseEnvelope(t, rec, http.StatusCreated)

	var in payment.Intent
	decodeData(t, env, &in)
	if in.SessionID == "" || in.CheckoutURL == "" {
		t.Fatalf("intent = %+v, want session id and checkout url", in)
	}

	// A foreign caller cannot see the session.
	rec = f.do(t, request{method: "GET", path: "/api/payments/status/" + in.SessionID, token: signToken(t, "user-2", "")})
	parseEnvelope(t, rec, http.StatusNotFound)

	// The provider settles; polling applies the result and credits the buyer.
	f.adapter.status = gateway.StatusResult{Outcome: gateway.OutcomeSucceeded, RawStatus: "ACCEPTED"}
	rec = f.do(t, request{method: "GET", path: "/api/payments/status/" + in.SessionID, token: userToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &in)
	if in.Status != payment.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", in.Status)
	}
	if string(in.Status) != "succeeded" {
		t.Errorf("reported status = %q, want the literal succeeded", in.Status)
	}

	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 2070 {
		t.Errorf("fiat balance = %d, want 2070", b.Fiat.Atomic)
	}
}

func TestWebhookAlwaysAcknowledged(t *testing.T) {
	f := newFixture(t)

	// Unknown session: acknowledged so the provider does not retry.
	rec := f.do(t, request{method: "POST", path: "/api/payments/webhooks/cinetpay", body: map[string]string{
		"sessionId": "PAY-unknown",
		"status":    "ACCEPTED",
	}})
	env := parseEnvelope(t, rec, http.StatusOK)
	if !env.Success {
		t.Error("webhook ack not marked success")
	}

	// Malformed payload on an unsigned channel: still acknowledged.
	r := httptest.NewRequest("POST", "/api/payments/webhooks/cinetpay", bytes.NewReader([]byte("not-json")))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("malformed webhook status = %d, want 200", rec.Code)
	}
}

func TestWithdrawalFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userToken := signToken(t, "user-1", "")
	adminToken := signToken(t, "admin-1", auth.RoleAdmin)

	if _, err := f.balances.Adjust(ctx, "user-1", money.New(xaf, 100_000), "seed"); err != nil {
		t.Fatal(err)
	}

	// Fee preview.
	rec := f.do(t, request{
		method: "GET",
		path:   "/api/transactions/withdrawal/estimate?amount=50000&currency=XAF&type=mobile_money",
		token:  userToken,
	})
	env := parseEnvelope(t, rec, http.StatusOK)
	var est withdrawal.Estimate
	decodeData(t, env, &est)
	if est.Fee.Atomic != 500 || est.Total.Atomic != 50_500 {
		t.Errorf("estimate = fee %d total %d, want 500/50500", est.Fee.Atomic, est.Total.Atomic)
	}

	// Initiate. The response must not leak OTP material.
	rec = f.do(t, request{method: "POST", path: "/api/transactions/withdrawal/initiate", token: userToken, body: map[string]string{
		"amount":   "50000",
		"currency": "XAF",
		"type":     "mobile_money",
	}})
	env = parseEnvelope(t, rec, http.StatusCreated)
	var tx ledger.Transaction
	decodeData(t, env, &tx)
	if tx.Status != ledger.StatusPendingOTP {
		t.Fatalf("status = %s, want pending_otp_verification", tx.Status)
	}
	if tx.MetaValue(ledger.MetaOTPHash) != "" || tx.MetaValue(ledger.MetaOTPSalt) != "" {
		t.Error("response leaks OTP hash or salt")
	}

	// Verify with the code delivered via the notifier.
	rec = f.do(t, request{method: "POST", path: "/api/transactions/withdrawal/verify", token: userToken, body: map[string]string{
		"transactionId": tx.TransactionID,
		"code":          f.notifier.lastOTP(t),
	}})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &tx)
	if tx.Status != ledger.StatusPendingAdminApproval {
		t.Fatalf("status = %s, want pending_admin_approval", tx.Status)
	}

	// The admin queue shows it.
	rec = f.do(t, request{method: "GET", path: "/api/admin/withdrawals/pending", token: adminToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 1 {
		t.Fatalf("pending queue pagination = %+v, want total 1", env.Pagination)
	}

	// Approval debits amount plus fee and dispatches the payout.
	rec = f.do(t, request{method: "POST", path: "/api/admin/withdrawals/" + tx.TransactionID + "/approve", token: adminToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &tx)
	if tx.Status != ledger.StatusProcessing {
		t.Errorf("status = %s, want processing", tx.Status)
	}
	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 49_500 {
		t.Errorf("fiat balance = %d, want 49500", b.Fiat.Atomic)
	}
}

func TestPayoutWebhookCompletesWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userToken := signToken(t, "user-1", "")
	adminToken := signToken(t, "admin-1", auth.RoleAdmin)

	if _, err := f.balances.Adjust(ctx, "user-1", money.New(xaf, 100_000), "seed"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, request{method: "POST", path: "/api/transactions/withdrawal/initiate", token: userToken, body: map[string]string{
		"amount":   "50000",
		"currency": "XAF",
		"type":     "mobile_money",
	}})
	env := parseEnvelope(t, rec, http.StatusCreated)
	var tx ledger.Transaction
	decodeData(t, env, &tx)

	rec = f.do(t, request{method: "POST", path: "/api/transactions/withdrawal/verify", token: userToken, body: map[string]string{
		"transactionId": tx.TransactionID,
		"code":          f.notifier.lastOTP(t),
	}})
	parseEnvelope(t, rec, http.StatusOK)
	rec = f.do(t, request{method: "POST", path: "/api/admin/withdrawals/" + tx.TransactionID + "/approve", token: adminToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &tx)
	if tx.Status != ledger.StatusProcessing {
		t.Fatalf("status = %s, want processing before the provider reports", tx.Status)
	}

	// The provider posts its disbursement result to the shared webhook
	// ingress. The unsigned hint forces a payout status re-fetch, which
	// reports success, and the withdrawal completes without waiting for a
	// reconciler sweep.
	f.adapter.status = gateway.StatusResult{Outcome: gateway.OutcomeSucceeded, RawStatus: "VAL"}
	rec = f.do(t, request{method: "POST", path: "/api/payments/webhooks/cinetpay", body: map[string]string{
		"transactionId": tx.TransactionID,
		"status":        "VAL",
	}})
	parseEnvelope(t, rec, http.StatusOK)

	done, err := f.ledger.FindByTransactionID(ctx, tx.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed after the payout webhook", done.Status)
	}
}

func TestWithdrawalCancelOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userToken := signToken(t, "user-1", "")

	if _, err := f.balances.Adjust(ctx, "user-1", money.New(xaf, 10_000), "seed"); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, request{method: "POST", path: "/api/transactions/withdrawal/initiate", token: userToken, body: map[string]string{
		"amount":   "5000",
		"currency": "XAF",
		"type":     "mobile_money",
	}})
	env := parseEnvelope(t, rec, http.StatusCreated)
	var tx ledger.Transaction
	decodeData(t, env, &tx)

	rec = f.do(t, request{method: "DELETE", path: "/api/transactions/withdrawal/" + tx.TransactionID + "/cancel", token: userToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &tx)
	if tx.Status != ledger.StatusCancelled {
		t.Errorf("status = %s, want cancelled", tx.Status)
	}

	// A stranger's cancel attempt reads as not found.
	rec = f.do(t, request{method: "DELETE", path: "/api/transactions/withdrawal/" + tx.TransactionID + "/cancel", token: signToken(t, "user-2", "")})
	parseEnvelope(t, rec, http.StatusNotFound)
}

func TestHistoryAndOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        "user-1",
		Type:          ledger.TypeDeposit,
		Amount:        money.New(xaf, 1_000),
		Fee:           money.Zero(xaf),
		Status:        ledger.StatusCompleted,
	}
	other := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        "user-2",
		Type:          ledger.TypeDeposit,
		Amount:        money.New(xaf, 2_000),
		Fee:           money.Zero(xaf),
		Status:        ledger.StatusCompleted,
	}
	for _, tx := range []ledger.Transaction{mine, other} {
		if err := f.ledger.Append(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}
	userToken := signToken(t, "user-1", "")

	rec := f.do(t, request{method: "GET", path: "/api/transactions/history", token: userToken})
	env := parseEnvelope(t, rec, http.StatusOK)
	var txs []ledger.Transaction
	decodeData(t, env, &txs)
	if len(txs) != 1 || txs[0].UserID != "user-1" {
		t.Fatalf("history = %+v, want only user-1 entries", txs)
	}

	// Owner sees the entry; a stranger gets not found; an admin sees it.
	rec = f.do(t, request{method: "GET", path: "/api/transactions/" + mine.TransactionID, token: userToken})
	parseEnvelope(t, rec, http.StatusOK)
	rec = f.do(t, request{method: "GET", path: "/api/transactions/" + other.TransactionID, token: userToken})
	parseEnvelope(t, rec, http.StatusNotFound)
	rec = f.do(t, request{method: "GET", path: "/api/transactions/" + other.TransactionID, token: signToken(t, "admin-1", auth.RoleAdmin)})
	parseEnvelope(t, rec, http.StatusOK)
}

func TestInternalEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Credit then debit.
	rec := f.do(t, request{method: "POST", path: "/api/internal/deposit", service: true, body: map[string]string{
		"userId":   "user-9",
		"amount":   "1000",
		"currency": "XAF",
	}})
	parseEnvelope(t, rec, http.StatusCreated)

	rec = f.do(t, request{method: "POST", path: "/api/internal/withdrawal", service: true, body: map[string]string{
		"userId":   "user-9",
		"amount":   "400",
		"currency": "XAF",
	}})
	parseEnvelope(t, rec, http.StatusCreated)

	b, _ := f.balances.Get(ctx, "user-9")
	if b.Fiat.Atomic != 600 {
		t.Fatalf("fiat balance = %d, want 600", b.Fiat.Atomic)
	}

	// Overdraft is refused.
	rec = f.do(t, request{method: "POST", path: "/api/internal/withdrawal", service: true, body: map[string]string{
		"userId":   "user-9",
		"amount":   "5000",
		"currency": "XAF",
	}})
	parseEnvelope(t, rec, http.StatusBadRequest)

	// Conversion moves value across balance classes.
	rec = f.do(t, request{method: "POST", path: "/api/internal/conversion", service: true, body: map[string]string{
		"userId":       "user-9",
		"fromAmount":   "600",
		"fromCurrency": "XAF",
		"toAmount":     "1",
		"toCurrency":   "USD",
	}})
	parseEnvelope(t, rec, http.StatusCreated)
	b, _ = f.balances.Get(ctx, "user-9")
	if b.Fiat.Atomic != 0 || b.USD.Atomic != 100 {
		t.Errorf("balances = fiat %d usd %d, want 0/100", b.Fiat.Atomic, b.USD.Atomic)
	}

	// And the ledger-backed view agrees on reprojection.
	re, err := f.balances.Reproject(ctx, "user-9")
	if err != nil {
		t.Fatal(err)
	}
	if re.Fiat.Atomic != 0 || re.USD.Atomic != 100 {
		t.Errorf("reprojected = fiat %d usd %d, want 0/100", re.Fiat.Atomic, re.USD.Atomic)
	}

	rec = f.do(t, request{method: "GET", path: "/api/internal/user/user-9/has-pending-transactions", service: true})
	env := parseEnvelope(t, rec, http.StatusOK)
	var gate map[string]bool
	decodeData(t, env, &gate)
	if gate["hasPendingTransactions"] {
		t.Error("gate = true, want false")
	}
}

func TestActivationEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userToken := signToken(t, "user-1", "")

	if _, err := f.balances.Adjust(ctx, "user-1", money.New(xaf, 10_000), "seed"); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, request{method: "POST", path: "/api/activation-balance/transfer", token: userToken, body: map[string]string{
		"amount":   "5000",
		"currency": "XAF",
	}})
	parseEnvelope(t, rec, http.StatusOK)

	rec = f.do(t, request{method: "POST", path: "/api/activation-balance/sponsor", token: userToken, body: map[string]string{
		"beneficiaryId": "user-3",
		"sku":           "CLASSIQUE",
	}})
	parseEnvelope(t, rec, http.StatusCreated)

	rec = f.do(t, request{method: "POST", path: "/api/activation-balance/transfer-to-user", token: userToken, body: map[string]string{
		"recipientId": "user-2",
		"amount":      "500",
		"currency":    "XAF",
	}})
	parseEnvelope(t, rec, http.StatusOK)

	b, _ := f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 5_000 || b.Activation.Atomic != 2_500 {
		t.Errorf("balances = fiat %d activation %d, want 5000/2500", b.Fiat.Atomic, b.Activation.Atomic)
	}
	rb, _ := f.balances.Get(ctx, "user-2")
	if rb.Activation.Atomic != 500 {
		t.Errorf("recipient activation = %d, want 500", rb.Activation.Atomic)
	}

	// Moving funds back out.
	rec = f.do(t, request{method: "POST", path: "/api/activation-balance/transfer", token: userToken, body: map[string]string{
		"amount":    "1000",
		"currency":  "XAF",
		"direction": "from_activation",
	}})
	parseEnvelope(t, rec, http.StatusOK)
	b, _ = f.balances.Get(ctx, "user-1")
	if b.Fiat.Atomic != 6_000 || b.Activation.Atomic != 1_500 {
		t.Errorf("balances = fiat %d activation %d, want 6000/1500", b.Fiat.Atomic, b.Activation.Atomic)
	}
}

func TestReferralEligibilityEndpoints(t *testing.T) {
	f := newFixture(t)
	userToken := signToken(t, "user-1", "")

	// Default SKU is CLASSIQUE: only the referral without a subscription.
	rec := f.do(t, request{method: "GET", path: "/api/activation-balance/referrals/activatable", token: userToken})
	env := parseEnvelope(t, rec, http.StatusOK)
	var users []userclient.User
	decodeData(t, env, &users)
	if len(users) != 1 || users[0].ID != "ref-1" {
		t.Errorf("activatable = %+v, want only ref-1", users)
	}

	rec = f.do(t, request{method: "GET", path: "/api/activation-balance/referrals/upgradable", token: userToken})
	env = parseEnvelope(t, rec, http.StatusOK)
	decodeData(t, env, &users)
	if len(users) != 1 || users[0].ID != "ref-2" {
		t.Errorf("upgradable = %+v, want only ref-2", users)
	}

	// Unknown SKU is a validation error, and the routes need a user token.
	rec = f.do(t, request{method: "GET", path: "/api/activation-balance/referrals/activatable?sku=GOLD", token: userToken})
	parseEnvelope(t, rec, http.StatusBadRequest)
	rec = f.do(t, request{method: "GET", path: "/api/activation-balance/referrals/activatable"})
	parseEnvelope(t, rec, http.StatusUnauthorized)
}

func TestAdminGatewayBalancesAndSweep(t *testing.T) {
	f := newFixture(t)
	adminToken := signToken(t, "admin-1", auth.RoleAdmin)

	rec := f.do(t, request{method: "GET", path: "/api/admin/gateway-balances", token: adminToken})
	env := parseEnvelope(t, rec, http.StatusOK)
	var out []gatewayBalance
	decodeData(t, env, &out)
	if len(out) != 1 || out[0].Gateway != "cinetpay" || out[0].Balances["XAF"] != 150_000 {
		t.Fatalf("gateway balances = %+v", out)
	}

	// Targeted check runs synchronously.
	rec = f.do(t, request{method: "POST", path: "/api/admin/transactions/check-all", token: adminToken, body: map[string]string{
		"transactionId": "TXN-manual",
	}})
	parseEnvelope(t, rec, http.StatusOK)
	if len(f.sweeper.singleIDs) != 1 || f.sweeper.singleIDs[0] != "TXN-manual" {
		t.Fatalf("single sweeps = %v, want [TXN-manual]", f.sweeper.singleIDs)
	}

	// Full sweep is fired in the background.
	rec = f.do(t, request{method: "POST", path: "/api/admin/transactions/check-all", token: adminToken})
	parseEnvelope(t, rec, http.StatusAccepted)
	select {
	case <-f.sweeper.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("background sweep never ran")
	}
}

func TestCommissionRepairEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminToken := signToken(t, "admin-1", auth.RoleAdmin)

	// A settled payment for the session must exist for repair to run.
	seed := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        "user-1",
		Type:          ledger.TypeDeposit,
		Amount:        money.New(xaf, 2_070),
		Fee:           money.Zero(xaf),
		Status:        ledger.StatusCompleted,
		Description:   "Payment for SUBSCRIPTION_CLASSIQUE",
		Metadata: map[string]string{
			ledger.MetaSourcePaymentSessionID: "sess-repair",
			ledger.MetaPaymentType:            "SUBSCRIPTION_CLASSIQUE",
		},
	}
	if err := f.ledger.Append(ctx, seed); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, request{method: "POST", path: "/api/admin/commissions/repair", token: adminToken, body: map[string]string{
		"sessionId": "sess-repair",
	}})
	parseEnvelope(t, rec, http.StatusOK)

	rec = f.do(t, request{method: "POST", path: "/api/admin/commissions/repair", token: adminToken, body: map[string]string{
		"sessionId": "sess-unknown",
	}})
	parseEnvelope(t, rec, http.StatusNotFound)

	rec = f.do(t, request{method: "POST", path: "/api/admin/commissions/repair", token: adminToken, body: map[string]string{}})
	parseEnvelope(t, rec, http.StatusBadRequest)
}
