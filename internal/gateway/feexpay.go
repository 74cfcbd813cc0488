package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// FeexPayAdapter integrates the secondary mobile-money aggregator.
//
// Flows are reference-keyed: the engine session id travels as the payment
// reference and every status lookup goes through the public single-status
// endpoint. Webhooks are unsigned, so they only trigger a re-fetch.
type FeexPayAdapter struct {
	cfg      config.FeexPayConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewFeexPayAdapter creates the aggregator adapter.
func NewFeexPayAdapter(cfg config.FeexPayConfig, client *http.Client, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *FeexPayAdapter {
	return &FeexPayAdapter{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		metrics:  m,
		logger:   logger.With().Str("gateway", string(FeexPay)).Logger(),
	}
}

func (a *FeexPayAdapter) Name() Name { return FeexPay }

// TrustedWebhooks is false: notifications carry no signature.
func (a *FeexPayAdapter) TrustedWebhooks() bool { return false }

func (a *FeexPayAdapter) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	payload := map[string]any{
		"shop":         a.cfg.ShopID,
		"amount":       req.Amount.Atomic,
		"currency":     req.Amount.Currency.Code,
		"reference":    req.SessionID,
		"description":  req.Description,
		"phoneNumber":  req.Phone,
		"email":        req.Email,
		"callback_url": a.cfg.NotifyURL,
		"return_url":   req.ReturnURL,
	}

	var resp struct {
		Reference string `json:"reference"`
		URL       string `json:"url"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	}
	err := withRetry(ctx, func() error {
		return a.call(ctx, "create_intent", http.MethodPost, "/payments/public/webview", payload, &resp)
	})
	if err != nil {
		return IntentResult{}, err
	}
	if resp.URL == "" {
		return IntentResult{}, fmt.Errorf("checkout creation refused: %s", resp.Message)
	}

	externalID := resp.Reference
	if externalID == "" {
		externalID = req.SessionID
	}
	return IntentResult{
		ExternalID:  externalID,
		CheckoutURL: resp.URL,
		RawStatus:   resp.Status,
	}, nil
}

func (a *FeexPayAdapter) CheckStatus(ctx context.Context, externalID string) (StatusResult, error) {
	var resp struct {
		Reference string  `json:"reference"`
		Status    string  `json:"status"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
	}
	err := withRetry(ctx, func() error {
		return a.call(ctx, "check_status", http.MethodGet,
			"/transactions/public/single/status/"+externalID, nil, &resp)
	})
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		Outcome:    mapFeexPayStatus(resp.Status),
		RawStatus:  resp.Status,
		ExternalID: resp.Reference,
	}
	if resp.Amount > 0 {
		if cur, curErr := money.GetCurrency(resp.Currency); curErr == nil {
			if paid, pErr := money.FromMajor(cur, fmt.Sprintf("%.2f", resp.Amount)); pErr == nil {
				result.AmountPaid = paid
			}
		}
	}
	return result, nil
}

// mapFeexPayStatus normalizes aggregator statuses.
func mapFeexPayStatus(status string) Outcome {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL", "SUCCESS":
		return OutcomeSucceeded
	case "FAILED":
		return OutcomeFailed
	case "CANCELED", "CANCELLED":
		return OutcomeCancelled
	case "EXPIRED":
		return OutcomeExpired
	case "PENDING", "CREATED", "PROCESSING":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// ParseWebhook extracts the reference from the unsigned notification.
func (a *FeexPayAdapter) ParseWebhook(_ *http.Request, body []byte) (WebhookEvent, error) {
	var payload struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Reference == "" {
		return WebhookEvent{}, fmt.Errorf("webhook missing reference")
	}
	return WebhookEvent{
		Gateway:    FeexPay,
		SessionID:  payload.Reference,
		ExternalID: payload.Reference,
		RawStatus:  payload.Status,
		Outcome:    OutcomeUnknown,
	}, nil
}

// CreatePayout dispatches a mobile-money disbursement. The withdrawal
// orchestrator gates this behind the payout feature flag; the adapter itself
// stays callable so the flag can flip without a deploy.
func (a *FeexPayAdapter) CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	payload := map[string]any{
		"shop":        a.cfg.ShopID,
		"amount":      req.Amount.Atomic,
		"phoneNumber": req.Destination,
		"reference":   req.Reference,
		"motif":       "withdrawal",
	}

	var resp struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	}
	err := withRetry(ctx, func() error {
		return a.call(ctx, "create_payout", http.MethodPost, "/payouts/public/transfer/global", payload, &resp)
	})
	if err != nil {
		return PayoutResult{}, err
	}

	outcome := mapFeexPayStatus(resp.Status)
	if outcome == OutcomeUnknown {
		outcome = OutcomePending
	}
	externalID := resp.Reference
	if externalID == "" {
		externalID = req.Reference
	}
	return PayoutResult{ExternalID: externalID, Outcome: outcome, RawStatus: resp.Status}, nil
}

func (a *FeexPayAdapter) CheckPayoutStatus(ctx context.Context, reference string) (StatusResult, error) {
	// Payout statuses share the public single-status endpoint.
	return a.CheckStatus(ctx, reference)
}

func (a *FeexPayAdapter) call(ctx context.Context, op, method, path string, payload any, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := a.breakers.Execute(circuitbreaker.ServiceFeexPay, func() (interface{}, error) {
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
	a.metrics.ObserveGatewayCall(string(FeexPay), op, time.Since(start), err, errClass)
	if err != nil {
		a.logger.Warn().Err(err).Str("operation", op).Msg("gateway.call_failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(res.([]byte), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
