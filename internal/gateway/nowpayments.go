package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
)

const sigHeader = "x-nowpayments-sig"

// NOWPaymentsAdapter integrates the crypto payment processor.
//
// Invoices are priced in USD. The processor does not quote XAF-family fiat,
// so those amounts convert through a static USD rate table first; the rates
// drift, and every use logs a warning. IPN webhooks are HMAC-SHA512 signed
// and therefore trusted.
type NOWPaymentsAdapter struct {
	cfg      config.NOWPaymentsConfig
	usdRates map[string]float64
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewNOWPaymentsAdapter creates the crypto processor adapter.
func NewNOWPaymentsAdapter(cfg config.NOWPaymentsConfig, conv config.ConversionConfig, client *http.Client, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *NOWPaymentsAdapter {
	return &NOWPaymentsAdapter{
		cfg:      cfg,
		usdRates: conv.USDRates,
		client:   client,
		breakers: breakers,
		metrics:  m,
		logger:   logger.With().Str("gateway", string(NOWPayments)).Logger(),
	}
}

func (a *NOWPaymentsAdapter) Name() Name { return NOWPayments }

// TrustedWebhooks is true: IPN payloads are HMAC signed.
func (a *NOWPaymentsAdapter) TrustedWebhooks() bool { return true }

// priceInUSD converts a fiat amount the processor cannot quote into USD.
func (a *NOWPaymentsAdapter) priceInUSD(amount money.Money) (float64, error) {
	code := amount.Currency.Code
	if code == "USD" {
		return amount.Float64(), nil
	}
	rate, ok := a.usdRates[code]
	if !ok {
		return 0, fmt.Errorf("no USD conversion rate for %s", code)
	}
	a.logger.Warn().
		Str("currency", code).
		Float64("rate", rate).
		Msg("gateway.static_usd_rate_used")
	return amount.Float64() * rate, nil
}

func (a *NOWPaymentsAdapter) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	priceUSD, err := a.priceInUSD(req.Amount)
	if err != nil {
		return IntentResult{}, err
	}

	payload := map[string]any{
		"price_amount":      priceUSD,
		"price_currency":    "usd",
		"pay_currency":      strings.ToLower(req.PayCurrency),
		"order_id":          req.SessionID,
		"order_description": req.Description,
		"ipn_callback_url":  a.cfg.NotifyURL,
	}

	var resp struct {
		PaymentID     json.Number `json:"payment_id"`
		PaymentStatus string      `json:"payment_status"`
		PayAddress    string      `json:"pay_address"`
		PayAmount     json.Number `json:"pay_amount"`
		PayCurrency   string      `json:"pay_currency"`
		Message       string      `json:"message"`
	}
	err = withRetry(ctx, func() error {
		return a.call(ctx, "create_intent", http.MethodPost, "/payment", payload, &resp)
	})
	if err != nil {
		return IntentResult{}, err
	}
	if resp.PayAddress == "" {
		return IntentResult{}, fmt.Errorf("invoice creation refused: %s", resp.Message)
	}

	return IntentResult{
		ExternalID:  resp.PaymentID.String(),
		PayAddress:  resp.PayAddress,
		PayAmount:   resp.PayAmount.String(),
		PayCurrency: strings.ToUpper(resp.PayCurrency),
		RawStatus:   resp.PaymentStatus,
	}, nil
}

func (a *NOWPaymentsAdapter) CheckStatus(ctx context.Context, externalID string) (StatusResult, error) {
	var resp struct {
		PaymentID     json.Number `json:"payment_id"`
		PaymentStatus string      `json:"payment_status"`
		ActuallyPaid  json.Number `json:"actually_paid"`
		PayCurrency   string      `json:"pay_currency"`
	}
	err := withRetry(ctx, func() error {
		return a.call(ctx, "check_status", http.MethodGet, "/payment/"+externalID, nil, &resp)
	})
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		Outcome:    mapNOWPaymentsStatus(resp.PaymentStatus),
		RawStatus:  resp.PaymentStatus,
		ExternalID: resp.PaymentID.String(),
	}
	if paidStr := resp.ActuallyPaid.String(); paidStr != "" && paidStr != "0" {
		if cur, curErr := money.GetCurrency(resp.PayCurrency); curErr == nil {
			if paid, pErr := money.FromMajor(cur, paidStr); pErr == nil {
				result.AmountPaid = paid
			}
		}
	}
	return result, nil
}

// mapNOWPaymentsStatus normalizes processor payment statuses. "confirmed"
// means seen on chain but not yet forwarded, so it stays non-final.
func mapNOWPaymentsStatus(status string) Outcome {
	switch strings.ToLower(status) {
	case "finished":
		return OutcomeSucceeded
	case "waiting":
		return OutcomeWaitingDeposit
	case "confirming", "sending":
		return OutcomeConfirming
	case "confirmed":
		return OutcomeConfirmed
	case "partially_paid":
		return OutcomePartiallyPaid
	case "failed":
		return OutcomeFailed
	case "refunded":
		return OutcomeRefunded
	case "expired":
		return OutcomeExpired
	default:
		return OutcomeUnknown
	}
}

// Estimate quotes how much pay currency covers a price amount. USD to a
// stablecoin short-circuits 1:1 without a provider round trip.
func (a *NOWPaymentsAdapter) Estimate(ctx context.Context, price money.Money, payCurrency string) (string, error) {
	priceUSD, err := a.priceInUSD(price)
	if err != nil {
		return "", err
	}
	if money.IsStablecoin(payCurrency) {
		return strconv.FormatFloat(priceUSD, 'f', -1, 64), nil
	}

	endpoint := fmt.Sprintf("/estimate?amount=%s&currency_from=usd&currency_to=%s",
		url.QueryEscape(strconv.FormatFloat(priceUSD, 'f', -1, 64)),
		url.QueryEscape(strings.ToLower(payCurrency)),
	)
	var resp struct {
		EstimatedAmount json.Number `json:"estimated_amount"`
	}
	err = withRetry(ctx, func() error {
		return a.call(ctx, "estimate", http.MethodGet, endpoint, nil, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.EstimatedAmount.String(), nil
}

// Balance reports the processor account balance per pay currency, for the
// admin dashboard.
func (a *NOWPaymentsAdapter) Balance(ctx context.Context) (map[string]float64, error) {
	var resp map[string]struct {
		Amount        json.Number `json:"amount"`
		PendingAmount json.Number `json:"pendingAmount"`
	}
	err := withRetry(ctx, func() error {
		return a.call(ctx, "balance", http.MethodGet, "/balance", nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(resp))
	for cur, b := range resp {
		amount, err := b.Amount.Float64()
		if err != nil {
			continue
		}
		out[strings.ToUpper(cur)] = amount
	}
	return out, nil
}

// VerifyIPNSignature checks the HMAC-SHA512 signature over the payload with
// its keys sorted, per the processor's IPN scheme.
func (a *NOWPaymentsAdapter) VerifyIPNSignature(body []byte, signature string) bool {
	if a.cfg.IPNSecret == "" || signature == "" {
		return false
	}

	// The signature covers the JSON re-serialized with sorted keys.
	// encoding/json sorts map keys on marshal.
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	canonical, err := json.Marshal(parsed)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(a.cfg.IPNSecret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// ParseWebhook verifies the IPN signature and parses the notification.
func (a *NOWPaymentsAdapter) ParseWebhook(r *http.Request, body []byte) (WebhookEvent, error) {
	if !a.VerifyIPNSignature(body, r.Header.Get(sigHeader)) {
		return WebhookEvent{}, fmt.Errorf("invalid IPN signature")
	}

	var payload struct {
		PaymentID     json.Number `json:"payment_id"`
		PaymentStatus string      `json:"payment_status"`
		OrderID       string      `json:"order_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.OrderID == "" {
		return WebhookEvent{}, fmt.Errorf("webhook missing order_id")
	}

	return WebhookEvent{
		Gateway:    NOWPayments,
		SessionID:  payload.OrderID,
		ExternalID: payload.PaymentID.String(),
		Outcome:    mapNOWPaymentsStatus(payload.PaymentStatus),
		RawStatus:  payload.PaymentStatus,
	}, nil
}

func (a *NOWPaymentsAdapter) call(ctx context.Context, op, method, path string, payload any, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", a.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := a.breakers.Execute(circuitbreaker.ServiceNOWPayments, func() (interface{}, error) {
		resp, err := a.client.Do(req)
		if cls := classifyHTTPError(resp, err); cls != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, cls
		}
		defer resp.Body.Close()
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	})
	errClass := ""
	if err != nil {
		errClass = "unavailable"
	}
	a.metrics.ObserveGatewayCall(string(NOWPayments), op, time.Since(start), err, errClass)
	if err != nil {
		a.logger.Warn().Err(err).Str("operation", op).Msg("gateway.call_failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(res.([]byte), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
