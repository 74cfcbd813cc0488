// Package payment manages payment intents: the session a user opens to pay
// for a product, tracked from checkout creation to settlement.
package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	// StatusPendingUserInput is the initial state: the session exists but
	// the user has not reached the provider yet.
	StatusPendingUserInput Status = "pending_user_input"
	// StatusPendingProvider means the provider holds the session and no
	// payment has been observed.
	StatusPendingProvider Status = "pending_provider"
	// StatusWaitingCryptoDeposit means a crypto invoice is open and the
	// deposit address is waiting for funds.
	StatusWaitingCryptoDeposit Status = "waiting_for_crypto_deposit"
	// StatusProcessing means the provider has seen the payment and is
	// confirming or forwarding it.
	StatusProcessing Status = "processing"
	// StatusConfirmed means the deposit is confirmed on-chain but funds
	// have not been forwarded. Not terminal.
	StatusConfirmed Status = "confirmed"

	StatusSucceeded     Status = "succeeded"
	StatusPartiallyPaid Status = "partially_paid"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
)

// IsTerminal reports whether the intent accepts no further updates.
// partially_paid is terminal: underpayments park for manual review and are
// never credited automatically.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyPaid, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// statusForOutcome maps a gateway outcome onto the intent lifecycle.
// Cancellations and provider-side refunds both land on failed: neither
// leaves the user with a credit, and callers only care that the session is
// dead. The raw provider status stays on the intent for audit.
func statusForOutcome(o gateway.Outcome) (Status, bool) {
	switch o {
	case gateway.OutcomeSucceeded:
		return StatusSucceeded, true
	case gateway.OutcomeFailed, gateway.OutcomeCancelled, gateway.OutcomeRefunded:
		return StatusFailed, true
	case gateway.OutcomeExpired:
		return StatusExpired, true
	case gateway.OutcomePartiallyPaid:
		return StatusPartiallyPaid, true
	case gateway.OutcomeWaitingDeposit:
		return StatusWaitingCryptoDeposit, true
	case gateway.OutcomeConfirming:
		return StatusProcessing, true
	case gateway.OutcomeConfirmed:
		return StatusConfirmed, true
	case gateway.OutcomePending:
		return StatusPendingProvider, true
	default:
		return "", false
	}
}

// Intent is one payment session.
type Intent struct {
	SessionID   string       `json:"sessionId"`
	UserID      string       `json:"userId"`
	Gateway     gateway.Name `json:"gateway"`
	PaymentType string       `json:"paymentType"` // Plan SKU
	Amount      money.Money  `json:"amount"`      // Price in the display currency
	PayCurrency string       `json:"payCurrency,omitempty"`

	ExternalID  string `json:"externalId,omitempty"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	PayAddress  string `json:"payAddress,omitempty"`
	PayAmount   string `json:"payAmount,omitempty"`

	Status      Status `json:"status"`
	RawStatus   string `json:"rawStatus,omitempty"`
	SettledTxID string `json:"settledTransactionId,omitempty"`

	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	StatusCheckedAt time.Time `json:"statusCheckedAt,omitempty"`
}

// NewSessionID allocates a payment session id.
func NewSessionID() string {
	return "PAY-" + uuid.NewString()
}
