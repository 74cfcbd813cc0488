package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/money"
)

func TestMapCinetPayStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"ACCEPTED", OutcomeSucceeded},
		{"accepted", OutcomeSucceeded},
		{"REFUSED", OutcomeFailed},
		{"CANCELLED", OutcomeCancelled},
		{"EXPIRED", OutcomeExpired},
		{"PENDING", OutcomePending},
		{"WAITING_FOR_CUSTOMER", OutcomePending},
		{"SOMETHING_NEW", OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := mapCinetPayStatus(tt.status); got != tt.want {
			t.Errorf("mapCinetPayStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestMapCinetPayTransferStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"VAL", OutcomeSucceeded},
		{"REJ", OutcomeFailed},
		{"NOS", OutcomeFailed},
		{"NEW", OutcomePending},
		{"REC", OutcomePending},
		{"???", OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := mapCinetPayTransferStatus(tt.status); got != tt.want {
			t.Errorf("mapCinetPayTransferStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestParseWebhookCinetPay(t *testing.T) {
	adapter := NewCinetPayAdapter(config.CinetPayConfig{}, nil, nil, nil, zerolog.Nop())

	t.Run("pay-in form post", func(t *testing.T) {
		body := "cpm_trans_id=PAY-abc&cpm_error_message=SUCCES"
		req := httptest.NewRequest("POST", "/api/payments/webhooks/cinetpay", strings.NewReader(body))
		ev, err := adapter.ParseWebhook(req, []byte(body))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if ev.SessionID != "PAY-abc" || ev.Payout {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Outcome != OutcomeUnknown {
			t.Errorf("pay-in outcome = %s, want unknown hint", ev.Outcome)
		}
	})

	t.Run("transfer form post", func(t *testing.T) {
		body := "client_transaction_id=TXN-w1&treatment_status=VAL"
		req := httptest.NewRequest("POST", "/api/payments/webhooks/cinetpay", strings.NewReader(body))
		ev, err := adapter.ParseWebhook(req, []byte(body))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !ev.Payout || ev.SessionID != "TXN-w1" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Outcome != OutcomeSucceeded {
			t.Errorf("transfer outcome = %s, want succeeded", ev.Outcome)
		}
	})

	t.Run("transfer json", func(t *testing.T) {
		body := `{"client_transaction_id":"TXN-w2","treatment_status":"REJ"}`
		req := httptest.NewRequest("POST", "/api/payments/webhooks/cinetpay", strings.NewReader(body))
		ev, err := adapter.ParseWebhook(req, []byte(body))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !ev.Payout || ev.SessionID != "TXN-w2" || ev.Outcome != OutcomeFailed {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	t.Run("missing correlation id", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/payments/webhooks/cinetpay", strings.NewReader("{}"))
		if _, err := adapter.ParseWebhook(req, []byte("{}")); err == nil {
			t.Error("expected error for payload without ids")
		}
	})
}

func TestMapFeexPayStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"SUCCESSFUL", OutcomeSucceeded},
		{"FAILED", OutcomeFailed},
		{"CANCELED", OutcomeCancelled},
		{"PENDING", OutcomePending},
		{"weird", OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := mapFeexPayStatus(tt.status); got != tt.want {
			t.Errorf("mapFeexPayStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestMapNOWPaymentsStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"waiting", OutcomeWaitingDeposit},
		{"confirming", OutcomeConfirming},
		{"confirmed", OutcomeConfirmed},
		{"sending", OutcomeConfirming},
		{"finished", OutcomeSucceeded},
		{"partially_paid", OutcomePartiallyPaid},
		{"failed", OutcomeFailed},
		{"refunded", OutcomeRefunded},
		{"expired", OutcomeExpired},
		{"other", OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := mapNOWPaymentsStatus(tt.status); got != tt.want {
			t.Errorf("mapNOWPaymentsStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestOutcomeIsFinal(t *testing.T) {
	final := []Outcome{OutcomeSucceeded, OutcomeFailed, OutcomeCancelled, OutcomeExpired, OutcomeRefunded, OutcomePartiallyPaid}
	for _, o := range final {
		if !o.IsFinal() {
			t.Errorf("%s should be final", o)
		}
	}
	live := []Outcome{OutcomePending, OutcomeWaitingDeposit, OutcomeConfirming, OutcomeConfirmed, OutcomeUnknown}
	for _, o := range live {
		if o.IsFinal() {
			t.Errorf("%s should not be final", o)
		}
	}
}

func newIPNAdapter(secret string) *NOWPaymentsAdapter {
	return NewNOWPaymentsAdapter(
		config.NOWPaymentsConfig{IPNSecret: secret},
		config.ConversionConfig{USDRates: map[string]float64{"XAF": 0.0016}},
		nil, nil, nil, zerolog.Nop(),
	)
}

func signIPN(secret string, canonical []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyIPNSignature(t *testing.T) {
	adapter := newIPNAdapter("topsecret")

	// The signature covers the payload re-serialized with sorted keys, so a
	// delivery with shuffled key order must still verify.
	canonical := []byte(`{"order_id":"sess-1","payment_id":123,"payment_status":"finished"}`)
	shuffled := []byte(`{"payment_status":"finished","order_id":"sess-1","payment_id":123}`)
	sig := signIPN("topsecret", canonical)

	if !adapter.VerifyIPNSignature(canonical, sig) {
		t.Error("canonical body should verify")
	}
	if !adapter.VerifyIPNSignature(shuffled, sig) {
		t.Error("shuffled key order should verify against the sorted-key signature")
	}
	if adapter.VerifyIPNSignature(canonical, signIPN("wrong", canonical)) {
		t.Error("signature from the wrong secret should not verify")
	}
	if adapter.VerifyIPNSignature([]byte(`{"tampered":true}`), sig) {
		t.Error("tampered body should not verify")
	}
	if adapter.VerifyIPNSignature(canonical, "") {
		t.Error("missing signature should not verify")
	}
}

func TestParseWebhookNOWPayments(t *testing.T) {
	adapter := newIPNAdapter("topsecret")
	body := []byte(`{"order_id":"sess-9","payment_id":42,"payment_status":"finished"}`)

	req := httptest.NewRequest("POST", "/api/payments/webhooks/nowpay", strings.NewReader(string(body)))
	req.Header.Set(sigHeader, signIPN("topsecret", body))

	ev, err := adapter.ParseWebhook(req, body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.SessionID != "sess-9" || ev.ExternalID != "42" || ev.Outcome != OutcomeSucceeded {
		t.Errorf("unexpected event %+v", ev)
	}

	req.Header.Set(sigHeader, "deadbeef")
	if _, err := adapter.ParseWebhook(req, body); err == nil {
		t.Error("bad signature should fail")
	}
}

func TestEstimateStablecoinShortCircuit(t *testing.T) {
	// No HTTP client configured: a provider round trip would panic, proving
	// the 1:1 shortcut never leaves the process.
	adapter := newIPNAdapter("s")
	usd := money.MustCurrency("USD")

	got, err := adapter.Estimate(context.Background(), money.New(usd, 400), "USDT-BSC")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got != "4" {
		t.Errorf("estimate = %q, want 4", got)
	}
}

func TestPriceInUSDConversionTable(t *testing.T) {
	adapter := newIPNAdapter("s")
	xaf := money.MustCurrency("XAF")

	got, err := adapter.priceInUSD(money.New(xaf, 10000))
	if err != nil {
		t.Fatalf("priceInUSD: %v", err)
	}
	if got != 16 {
		t.Errorf("10000 XAF = %v USD, want 16", got)
	}

	gnf := money.Currency{Code: "GNF"}
	if _, err := adapter.priceInUSD(money.New(gnf, 1)); err == nil {
		t.Error("currency missing from the rate table should fail")
	}
}

func TestWithRetryPermanentErrorNoRetry(t *testing.T) {
	calls := 0
	permanent := errors.New("refused")
	err := withRetry(context.Background(), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent error", calls)
	}
}

func TestSplitMSISDN(t *testing.T) {
	tests := []struct {
		in         string
		wantPrefix string
		wantPhone  string
	}{
		{"+237650123456", "237", "650123456"},
		{"237650123456", "237", "650123456"},
		{"650123456", "237", "650123456"},
	}
	for _, tt := range tests {
		prefix, phone := splitMSISDN(tt.in)
		if prefix != tt.wantPrefix || phone != tt.wantPhone {
			t.Errorf("splitMSISDN(%q) = %s/%s, want %s/%s", tt.in, prefix, phone, tt.wantPrefix, tt.wantPhone)
		}
	}
}
