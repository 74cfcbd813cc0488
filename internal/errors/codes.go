package errors

// Code is a machine-readable error identifier surfaced in API responses.
type Code string

// Request validation and auth errors.
const (
	CodeValidation   Code = "validation_error"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
)

// State conflicts on the ledger and payment pipeline.
const (
	CodeConflict          Code = "conflict"
	CodeIllegalTransition Code = "illegal_transition"
	CodeDuplicateKey      Code = "duplicate_key"
)

// Business rule rejections. These are 400s with a specific code so the
// frontend can render a precise message.
const (
	CodeInsufficientFunds          Code = "insufficient_funds"
	CodeDailyLimitExceeded         Code = "daily_limit_exceeded"
	CodePendingBlockingTransaction Code = "pending_blocking_transaction"
	CodeAmountBelowMinimum         Code = "amount_below_minimum"
	CodeOTPInvalid                 Code = "otp_invalid"
	CodeOTPExpired                 Code = "otp_expired"
	CodePayoutDestinationMissing   Code = "payout_destination_missing"
)

// Upstream provider errors.
const (
	CodeProviderError       Code = "provider_error"
	CodeProviderUnavailable Code = "provider_unavailable"
)

// Internal errors.
const (
	CodeInternal Code = "internal_error"
	CodeDatabase Code = "database_error"
	CodeConfig   Code = "config_error"
)

// IsRetryable reports whether a client may usefully retry the request.
// Only transient upstream failures qualify; validation and business rule
// rejections never do.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeProviderUnavailable, CodeDatabase:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation,
		CodeInsufficientFunds,
		CodeDailyLimitExceeded,
		CodePendingBlockingTransaction,
		CodeAmountBelowMinimum,
		CodeOTPInvalid,
		CodeOTPExpired,
		CodePayoutDestinationMissing:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict, CodeIllegalTransition, CodeDuplicateKey:
		return 409
	case CodeProviderError:
		return 502
	case CodeProviderUnavailable:
		return 503
	default:
		return 500
	}
}
