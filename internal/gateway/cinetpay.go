package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// CinetPayAdapter integrates the card and mobile-money aggregator used for
// XAF pay-ins and payouts.
//
// The aggregator has two separate APIs: the checkout API (api key + site id)
// for pay-ins, and the transfer API (login/password session token) for
// payouts and float balance. Webhooks are unsigned form posts, so settlement
// always re-queries the checkout API.
type CinetPayAdapter struct {
	cfg      config.CinetPayConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewCinetPayAdapter creates the aggregator adapter.
func NewCinetPayAdapter(cfg config.CinetPayConfig, client *http.Client, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *CinetPayAdapter {
	return &CinetPayAdapter{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		metrics:  m,
		logger:   logger.With().Str("gateway", string(CinetPay)).Logger(),
	}
}

func (a *CinetPayAdapter) Name() Name { return CinetPay }

// TrustedWebhooks is false: notifications carry no signature.
func (a *CinetPayAdapter) TrustedWebhooks() bool { return false }

type cinetpayEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type cinetpayIntentData struct {
	PaymentURL   string `json:"payment_url"`
	PaymentToken string `json:"payment_token"`
}

type cinetpayStatusData struct {
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	OperatorID    string `json:"operator_id"`
}

func (a *CinetPayAdapter) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	payload := map[string]any{
		"apikey":                a.cfg.APIKey,
		"site_id":               a.cfg.SiteID,
		"transaction_id":        req.SessionID,
		"amount":                req.Amount.Atomic, // XAF has no minor unit
		"currency":              req.Amount.Currency.Code,
		"description":           req.Description,
		"notify_url":            a.cfg.NotifyURL,
		"return_url":            req.ReturnURL,
		"channels":              "ALL",
		"customer_name":         req.CustomerID,
		"customer_phone_number": req.Phone,
		"customer_email":        req.Email,
	}

	var env cinetpayEnvelope
	err := withRetry(ctx, func() error {
		return a.call(ctx, "create_intent", a.cfg.BaseURL+"/payment", payload, &env)
	})
	if err != nil {
		return IntentResult{}, err
	}
	if env.Code != "201" {
		return IntentResult{}, fmt.Errorf("checkout creation refused: code %s (%s)", env.Code, env.Message)
	}

	var data cinetpayIntentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return IntentResult{}, fmt.Errorf("decode checkout response: %w", err)
	}
	return IntentResult{
		ExternalID:  data.PaymentToken,
		CheckoutURL: data.PaymentURL,
		RawStatus:   "CREATED",
	}, nil
}

// CheckStatus queries the checkout API by the engine session id, which the
// aggregator uses as its transaction_id.
func (a *CinetPayAdapter) CheckStatus(ctx context.Context, externalID string) (StatusResult, error) {
	payload := map[string]any{
		"apikey":         a.cfg.APIKey,
		"site_id":        a.cfg.SiteID,
		"transaction_id": externalID,
	}

	var env cinetpayEnvelope
	err := withRetry(ctx, func() error {
		return a.call(ctx, "check_status", a.cfg.BaseURL+"/payment/check", payload, &env)
	})
	if err != nil {
		return StatusResult{}, err
	}

	// Code 600-ish families mean "transaction not found yet"; treat as pending.
	if env.Code != "00" {
		return StatusResult{Outcome: OutcomePending, RawStatus: env.Code}, nil
	}

	var data cinetpayStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return StatusResult{}, fmt.Errorf("decode status response: %w", err)
	}

	result := StatusResult{
		Outcome:    mapCinetPayStatus(data.Status),
		RawStatus:  data.Status,
		ExternalID: externalID,
	}
	if data.Amount != "" {
		cur, curErr := money.GetCurrency(data.Currency)
		if curErr == nil {
			if paid, pErr := money.FromMajor(cur, data.Amount); pErr == nil {
				result.AmountPaid = paid
			}
		}
	}
	return result, nil
}

// mapCinetPayStatus normalizes checkout API statuses.
func mapCinetPayStatus(status string) Outcome {
	switch strings.ToUpper(status) {
	case "ACCEPTED":
		return OutcomeSucceeded
	case "REFUSED":
		return OutcomeFailed
	case "CANCELLED", "CANCELED":
		return OutcomeCancelled
	case "EXPIRED":
		return OutcomeExpired
	case "PENDING", "WAITING_FOR_CUSTOMER", "WAITING_CUSTOMER_PAYMENT", "WAITING_CUSTOMER_OTP_CODE":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// ParseWebhook extracts the correlation id from the unsigned form post.
// Pay-in notifications carry cpm_trans_id; transfer notifications carry
// client_transaction_id and mark the event as a payout. Either way the
// outcome is a hint only; callers re-query the matching status API.
func (a *CinetPayAdapter) ParseWebhook(r *http.Request, body []byte) (WebhookEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil || (values.Get("cpm_trans_id") == "" && values.Get("client_transaction_id") == "") {
		// Some deliveries arrive as JSON.
		var payload struct {
			TransactionID       string `json:"cpm_trans_id"`
			ClientTransactionID string `json:"client_transaction_id"`
			TreatmentStatus     string `json:"treatment_status"`
		}
		if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil || (payload.TransactionID == "" && payload.ClientTransactionID == "") {
			return WebhookEvent{}, fmt.Errorf("webhook missing cpm_trans_id")
		}
		if payload.ClientTransactionID != "" {
			return WebhookEvent{
				Gateway:   CinetPay,
				SessionID: payload.ClientTransactionID,
				RawStatus: payload.TreatmentStatus,
				Outcome:   mapCinetPayTransferStatus(payload.TreatmentStatus),
				Payout:    true,
			}, nil
		}
		return WebhookEvent{Gateway: CinetPay, SessionID: payload.TransactionID, Outcome: OutcomeUnknown}, nil
	}
	if ref := values.Get("client_transaction_id"); ref != "" {
		return WebhookEvent{
			Gateway:   CinetPay,
			SessionID: ref,
			RawStatus: values.Get("treatment_status"),
			Outcome:   mapCinetPayTransferStatus(values.Get("treatment_status")),
			Payout:    true,
		}, nil
	}
	return WebhookEvent{
		Gateway:   CinetPay,
		SessionID: values.Get("cpm_trans_id"),
		RawStatus: values.Get("cpm_error_message"),
		Outcome:   OutcomeUnknown,
	}, nil
}

// --- transfer API (payouts) ---

type cinetpayTransferAuth struct {
	Code int `json:"code"`
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// transferToken authenticates against the transfer API. Tokens are short
// lived; one is fetched per operation rather than cached.
func (a *CinetPayAdapter) transferToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("lang", "fr")
	form.Set("login", a.cfg.TransferLogin)
	form.Set("password", a.cfg.TransferPassword)

	var auth cinetpayTransferAuth
	if err := a.callForm(ctx, "transfer_auth", a.cfg.TransferBaseURL+"/auth/login", form, &auth); err != nil {
		return "", err
	}
	if auth.Code != 0 || auth.Data.Token == "" {
		return "", fmt.Errorf("transfer auth refused: code %d", auth.Code)
	}
	return auth.Data.Token, nil
}

func (a *CinetPayAdapter) CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	token, err := a.transferToken(ctx)
	if err != nil {
		return PayoutResult{}, err
	}

	prefix, phone := splitMSISDN(req.Destination)
	contact := []map[string]any{{
		"prefix":  prefix,
		"phone":   phone,
		"name":    req.FullName,
		"surname": req.FullName,
		"email":   req.Email,
	}}
	contactJSON, _ := json.Marshal(contact)

	// The transfer API requires the recipient as a contact before sending.
	form := url.Values{}
	form.Set("token", token)
	form.Set("data", string(contactJSON))
	var contactResp struct {
		Code int `json:"code"`
	}
	if err := a.callForm(ctx, "transfer_add_contact", a.cfg.TransferBaseURL+"/transfer/contact", form, &contactResp); err != nil {
		return PayoutResult{}, err
	}

	send := []map[string]any{{
		"prefix":                prefix,
		"phone":                 phone,
		"amount":                req.Amount.Atomic,
		"client_transaction_id": req.Reference,
		"notify_url":            a.cfg.NotifyURL,
	}}
	sendJSON, _ := json.Marshal(send)
	form = url.Values{}
	form.Set("token", token)
	form.Set("data", string(sendJSON))

	var sendResp struct {
		Code int `json:"code"`
		Data [][]struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"treatment_status"`
		} `json:"data"`
	}
	if err := a.callForm(ctx, "transfer_send", a.cfg.TransferBaseURL+"/transfer/money/send/contact", form, &sendResp); err != nil {
		return PayoutResult{}, err
	}
	if sendResp.Code != 0 {
		return PayoutResult{}, fmt.Errorf("transfer refused: code %d", sendResp.Code)
	}

	result := PayoutResult{Outcome: OutcomePending, RawStatus: "NEW"}
	if len(sendResp.Data) > 0 && len(sendResp.Data[0]) > 0 {
		result.ExternalID = sendResp.Data[0][0].TransactionID
		result.RawStatus = sendResp.Data[0][0].Status
		result.Outcome = mapCinetPayTransferStatus(result.RawStatus)
	}
	return result, nil
}

func (a *CinetPayAdapter) CheckPayoutStatus(ctx context.Context, reference string) (StatusResult, error) {
	token, err := a.transferToken(ctx)
	if err != nil {
		return StatusResult{}, err
	}

	endpoint := fmt.Sprintf("%s/transfer/check/money?token=%s&client_transaction_id=%s",
		a.cfg.TransferBaseURL, url.QueryEscape(token), url.QueryEscape(reference))

	var resp struct {
		Code int `json:"code"`
		Data []struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"treatment_status"`
		} `json:"data"`
	}
	err = withRetry(ctx, func() error {
		return a.callGet(ctx, "transfer_check", endpoint, &resp)
	})
	if err != nil {
		return StatusResult{}, err
	}
	if resp.Code != 0 || len(resp.Data) == 0 {
		return StatusResult{Outcome: OutcomePending, RawStatus: fmt.Sprintf("code_%d", resp.Code)}, nil
	}

	row := resp.Data[0]
	return StatusResult{
		Outcome:    mapCinetPayTransferStatus(row.Status),
		RawStatus:  row.Status,
		ExternalID: row.TransactionID,
	}, nil
}

// mapCinetPayTransferStatus normalizes transfer API treatment statuses.
// NEW and REC are in flight, VAL is paid out, REJ is rejected and NOS means
// the float could not cover the transfer.
func mapCinetPayTransferStatus(status string) Outcome {
	switch strings.ToUpper(status) {
	case "VAL":
		return OutcomeSucceeded
	case "REJ", "NOS":
		return OutcomeFailed
	case "NEW", "REC":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

// Balance queries the transfer API float, keyed by currency code.
func (a *CinetPayAdapter) Balance(ctx context.Context) (map[string]float64, error) {
	token, err := a.transferToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := a.cfg.TransferBaseURL + "/transfer/check/balance?token=" + url.QueryEscape(token)
	var resp struct {
		Code int `json:"code"`
		Data struct {
			Amount    float64 `json:"amount"`
			Available float64 `json:"available"`
		} `json:"data"`
	}
	if err := a.callGet(ctx, "balance", endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("balance check refused: code %d", resp.Code)
	}
	return map[string]float64{"XAF": resp.Data.Available}, nil
}

// --- transport helpers ---

func (a *CinetPayAdapter) call(ctx context.Context, op, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(op, req, out)
}

func (a *CinetPayAdapter) callForm(ctx context.Context, op, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(op, req, out)
}

func (a *CinetPayAdapter) callGet(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return a.do(op, req, out)
}

func (a *CinetPayAdapter) do(op string, req *http.Request, out any) error {
	start := time.Now()
	res, err := a.breakers.Execute(circuitbreaker.ServiceCinetPay, func() (interface{}, error) {
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
	a.metrics.ObserveGatewayCall(string(CinetPay), op, time.Since(start), err, errClass)
	if err != nil {
		a.logger.Warn().Err(err).Str("operation", op).Msg("gateway.call_failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(res.([]byte), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// splitMSISDN splits an international number into dial prefix and local part.
// Central African prefixes are three digits after the leading 237/242/etc.
func splitMSISDN(msisdn string) (prefix, phone string) {
	msisdn = strings.TrimPrefix(strings.TrimSpace(msisdn), "+")
	if len(msisdn) > 9 {
		return msisdn[:len(msisdn)-9], msisdn[len(msisdn)-9:]
	}
	return "237", msisdn
}
