package errors

import (
	"net/http"

	"github.com/sbc-platform/payment-engine/pkg/responders"
)

// detail is the data payload attached to error envelopes.
type detail struct {
	Code      Code           `json:"code"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError renders a coded error in the platform envelope.
func WriteError(w http.ResponseWriter, code Code, message string, details map[string]any) {
	responders.Fail(w, code.HTTPStatus(), message, detail{
		Code:      code,
		Retryable: code.IsRetryable(),
		Details:   details,
	})
}

// WriteSimpleError renders an error with no extra detail fields.
func WriteSimpleError(w http.ResponseWriter, code Code, message string) {
	WriteError(w, code, message, nil)
}

// WriteFromErr renders any error, using its taxonomy code when present and
// collapsing unexpected errors to a generic 500 message.
func WriteFromErr(w http.ResponseWriter, err error) {
	WriteSimpleError(w, CodeOf(err), MessageOf(err))
}
