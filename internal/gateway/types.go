// Package gateway adapts external payment providers behind one interface.
// Adapters translate provider dialects into a shared outcome vocabulary; the
// payment and withdrawal layers never see provider status strings.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/sbc-platform/payment-engine/internal/money"
)

// Name identifies a provider adapter.
type Name string

const (
	CinetPay    Name = "cinetpay"
	FeexPay     Name = "feexpay"
	NOWPayments Name = "nowpayments"
)

// Outcome is the normalized result of a provider status. Adapters map every
// provider-specific status string onto this set.
type Outcome string

const (
	// OutcomePending covers created-but-unpaid and in-flight states.
	OutcomePending Outcome = "pending"
	// OutcomeWaitingDeposit means a crypto invoice exists and the deposit
	// address is waiting for funds.
	OutcomeWaitingDeposit Outcome = "waiting_deposit"
	// OutcomeConfirming covers payments seen by the provider but not final.
	OutcomeConfirming Outcome = "confirming"
	// OutcomeConfirmed means the deposit is confirmed on-chain but the
	// provider has not forwarded funds yet. Not final.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeSucceeded is a final successful settlement.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed is a final failure (refused, errored).
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled is a final user or provider cancellation.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeExpired is a final timeout without payment.
	OutcomeExpired Outcome = "expired"
	// OutcomeRefunded is a final provider-side refund.
	OutcomeRefunded Outcome = "refunded"
	// OutcomePartiallyPaid is a crypto underpayment. Final, never credited.
	OutcomePartiallyPaid Outcome = "partially_paid"
	// OutcomeUnknown means the adapter could not classify the status.
	OutcomeUnknown Outcome = "unknown"
)

// IsFinal reports whether the outcome terminates the payment.
func (o Outcome) IsFinal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCancelled, OutcomeExpired, OutcomeRefunded, OutcomePartiallyPaid:
		return true
	default:
		return false
	}
}

// ErrUnavailable marks transient provider failures (network errors, 5xx,
// open circuit breakers). Callers retry or leave the record for the
// reconciler; any other error is treated as permanent.
var ErrUnavailable = errors.New("provider unavailable")

// IntentRequest asks a provider to create a hosted checkout or invoice.
type IntentRequest struct {
	SessionID   string // Engine-side correlation id, echoed in webhooks
	UserID      string
	Amount      money.Money
	PayCurrency string // Crypto pay currency for the processor, empty for fiat
	Description string
	CustomerID  string
	Phone       string
	Email       string
	ReturnURL   string
}

// IntentResult is the provider's answer to an intent creation.
type IntentResult struct {
	ExternalID  string // Provider-side payment/invoice id
	CheckoutURL string // Hosted page for fiat aggregators
	PayAddress  string // Deposit address for crypto invoices
	PayAmount   string // Exact crypto amount due, major units
	PayCurrency string
	RawStatus   string
}

// StatusResult is the provider's answer to a status check.
type StatusResult struct {
	Outcome    Outcome
	RawStatus  string
	ExternalID string
	// AmountPaid is the provider-confirmed amount, zero-valued when the
	// provider does not echo it.
	AmountPaid money.Money
}

// PayoutRequest asks a provider to disburse funds to a user destination.
type PayoutRequest struct {
	Reference   string // Engine-side withdrawal id
	Amount      money.Money
	Destination string // MSISDN for mobile money, address for crypto
	Country     string
	FullName    string
	Email       string
}

// PayoutResult is the provider's answer to a payout dispatch.
type PayoutResult struct {
	ExternalID string
	Outcome    Outcome
	RawStatus  string
}

// WebhookEvent is a verified, parsed provider notification.
type WebhookEvent struct {
	Gateway    Name
	SessionID  string // Engine-side correlation id recovered from the payload
	ExternalID string
	Outcome    Outcome
	RawStatus  string
	// Payout marks disbursement notifications; everything else is pay-in.
	Payout bool
}

// Adapter is one payment provider integration.
//
// CheckStatus is the trust anchor: webhook payloads are hints, and any
// adapter whose webhooks are unsigned must be re-queried before funds move.
type Adapter interface {
	Name() Name

	// CreateIntent opens a checkout/invoice with the provider.
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error)

	// CheckStatus queries the provider for the authoritative payment state.
	CheckStatus(ctx context.Context, externalID string) (StatusResult, error)

	// ParseWebhook verifies and parses a provider notification. It must not
	// trust unsigned payloads beyond extracting the correlation id.
	ParseWebhook(r *http.Request, body []byte) (WebhookEvent, error)

	// TrustedWebhooks reports whether ParseWebhook authenticates payloads.
	// When false, callers re-fetch CheckStatus before acting on an event.
	TrustedWebhooks() bool
}

// PayoutProvider is implemented by adapters that can disburse funds.
type PayoutProvider interface {
	Adapter

	// CreatePayout dispatches a disbursement.
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)

	// CheckPayoutStatus queries the provider for a disbursement state.
	CheckPayoutStatus(ctx context.Context, reference string) (StatusResult, error)
}

// BalanceProvider is implemented by adapters exposing a float balance, for
// the admin gateway-balances endpoint.
type BalanceProvider interface {
	// Balance returns available float per currency code, in major units.
	Balance(ctx context.Context) (map[string]float64, error)
}
