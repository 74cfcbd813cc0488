package httpserver

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sbc-platform/payment-engine/internal/auth"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/internal/payment"
	"github.com/sbc-platform/payment-engine/pkg/responders"
)

type createIntentRequest struct {
	Gateway     string `json:"gateway"`
	PaymentType string `json:"paymentType"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	PayCurrency string `json:"payCurrency"`
	Description string `json:"description"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	ReturnURL   string `json:"returnUrl"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decode(r, &req); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, req.Currency)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	in, err := s.payments.CreateIntent(r.Context(), payment.CreateRequest{
		UserID:      auth.UserID(r.Context()),
		Gateway:     gateway.Name(req.Gateway),
		PaymentType: req.PaymentType,
		Amount:      amount,
		PayCurrency: req.PayCurrency,
		Description: req.Description,
		Phone:       req.Phone,
		Email:       req.Email,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated, "payment intent created", in)
}

// handleWebhook ingests a provider notification. Structurally valid payloads
// are always acknowledged with 200 so the provider does not retry; the one
// exception is a bad signature on a signed channel, which gets a 401.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := gateway.Name(chi.URLParam(r, "gateway"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "unreadable payload")
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), name, r, body); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnauthorized {
			apperrors.WriteFromErr(w, err)
			return
		}
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).
			Str("gateway", string(name)).
			Msg("http.webhook_processing_failed")
	}
	responders.Success(w, "acknowledged", nil)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	in, err := s.payments.GetBySession(r.Context(), sessionID)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if !s.ownsOrAdmin(r, in.UserID) {
		apperrors.WriteSimpleError(w, apperrors.CodeNotFound, "payment session not found")
		return
	}

	refreshed, err := s.payments.PollStatus(r.Context(), sessionID)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "payment status", refreshed)
}

// ownsOrAdmin reports whether the caller owns the resource or is an admin.
func (s *Server) ownsOrAdmin(r *http.Request, ownerID string) bool {
	c, ok := auth.FromContext(r.Context())
	if !ok {
		return false
	}
	return c.UserID == ownerID || c.Role == auth.RoleAdmin
}
