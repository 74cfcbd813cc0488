// Package ledger is the system of record for every balance mutation.
// Each entry is append-mostly: after creation only its status, provider
// binding and metadata may change, and terminal statuses are sticky.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/sbc-platform/payment-engine/internal/money"
)

// Type classifies a ledger entry. The sign of the amount is implied by the
// type: deposits, refunds and activation_transfer_out credit the spendable
// balance; everything else debits it.
type Type string

const (
	TypeDeposit               Type = "deposit"
	TypeWithdrawal            Type = "withdrawal"
	TypePayment               Type = "payment"
	TypeRefund                Type = "refund"
	TypeFee                   Type = "fee"
	TypeTransfer              Type = "transfer"
	TypeConversion            Type = "conversion"
	TypeActivationTransferIn  Type = "activation_transfer_in"
	TypeActivationTransferOut Type = "activation_transfer_out"
	TypeSponsorActivation     Type = "sponsor_activation"
)

// Credits reports whether the type credits the owner's spendable balance.
func (t Type) Credits() bool {
	switch t {
	case TypeDeposit, TypeRefund, TypeActivationTransferOut:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending              Status = "pending"
	StatusPendingOTP           Status = "pending_otp_verification"
	StatusPendingAdminApproval Status = "pending_admin_approval"
	StatusProcessing           Status = "processing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusRefunded             Status = "refunded"
	StatusRejectedByAdmin      Status = "rejected_by_admin"
	StatusCancelled            Status = "cancelled"
)

// allowedTransitions is the full transition table. Anything not listed is an
// illegal transition, including every move out of a terminal status.
var allowedTransitions = map[Status][]Status{
	StatusPending:              {StatusProcessing, StatusFailed, StatusCancelled},
	StatusPendingOTP:           {StatusPendingAdminApproval, StatusCancelled, StatusFailed},
	StatusPendingAdminApproval: {StatusProcessing, StatusRejectedByAdmin},
	StatusProcessing:           {StatusCompleted, StatusFailed, StatusRefunded},
}

// IsTerminal reports whether the status allows no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusRejectedByAdmin, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is in the allowed set.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may legally transition into to.
// Backends use it to build guarded compare-and-set filters.
func SourcesFor(to Status) []Status {
	var sources []Status
	for from, targets := range allowedTransitions {
		for _, t := range targets {
			if t == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Reserved metadata keys. Metadata is an open string map for persistence,
// but every key the engine writes is declared here.
const (
	MetaSourcePaymentSessionID = "sourcePaymentSessionId"
	MetaCommissionLevel        = "commissionLevel"
	MetaPaymentType            = "paymentType"
	MetaConversionType         = "conversionType"
	MetaSourceAmount           = "sourceAmount"
	MetaTargetAmount           = "targetAmount"
	MetaWithdrawalType         = "withdrawalType"
	MetaSelectedPayoutService  = "selectedPayoutService"
	MetaOTPHash                = "otpHash"
	MetaOTPSalt                = "otpSalt"
	MetaOTPExpiresAt           = "otpExpiresAt"
	MetaOTPConsumedAt          = "otpConsumedAt"
	MetaApprovedAt             = "approvedAt"
	MetaApprovedBy             = "approvedBy"
	MetaRejectedAt             = "rejectedAt"
	MetaRejectedBy             = "rejectedBy"
	MetaRejectionReason        = "rejectionReason"
	MetaStatusCheckedAt        = "statusCheckedAt"
	MetaNetAmount              = "netAmount"
	MetaPayoutDestination      = "payoutDestination"
	MetaBalanceClass           = "balanceClass"
	MetaCounterpartyUserID     = "counterpartyUserId"
	MetaActivationSKU          = "activationSku"
	MetaBeneficiaryUserID      = "beneficiaryUserId"
	MetaBlockedReason          = "blockedReason"
	MetaAdminOverride          = "adminOverride"
	MetaCurrencyBugCorrection  = "isCurrencyBugCorrection"
)

// BalanceClassActivation routes an entry to the activation sub-ledger when
// set under MetaBalanceClass.
const BalanceClassActivation = "activation"

// ProviderInfo binds a ledger entry to an external payment provider.
type ProviderInfo struct {
	Provider              string            `json:"provider,omitempty"`
	ExternalTransactionID string            `json:"externalTransactionId,omitempty"`
	Status                string            `json:"status,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Transaction is the canonical ledger entry.
type Transaction struct {
	TransactionID string            `json:"transactionId"`
	UserID        string            `json:"userId"`
	Type          Type              `json:"type"`
	Amount        money.Money       `json:"amount"` // Non-negative; sign implied by Type
	Fee           money.Money       `json:"fee"`
	Status        Status            `json:"status"`
	Description   string            `json:"description"`
	Provider      ProviderInfo      `json:"paymentProvider"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Deleted       bool              `json:"deleted"`
}

// MetaValue returns a metadata value, tolerating a nil map.
func (t *Transaction) MetaValue(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (t *Transaction) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
}

// NewTransactionID allocates a globally unique, externally visible id.
func NewTransactionID() string {
	return "TXN-" + uuid.NewString()
}
