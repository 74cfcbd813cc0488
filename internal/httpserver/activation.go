package httpserver

import (
	"net/http"

	"github.com/sbc-platform/payment-engine/internal/activation"
	"github.com/sbc-platform/payment-engine/internal/auth"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/pkg/responders"
)

// handleActivationTransfer moves funds between the spendable balance and the
// activation sub-ledger. Direction defaults to funding the sub-ledger.
func (s *Server) handleActivationTransfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
		Direction string `json:"direction"` // to_activation (default) or from_activation
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	amount, err := parseAmount(body.Amount, body.Currency)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	userID := auth.UserID(r.Context())

	switch body.Direction {
	case "", "to_activation":
		tx, err := s.activations.TopUp(r.Context(), userID, amount)
		if err != nil {
			apperrors.WriteFromErr(w, err)
			return
		}
		responders.Success(w, "activation balance funded", sanitize(tx))
	case "from_activation":
		tx, err := s.activations.TransferOut(r.Context(), userID, amount)
		if err != nil {
			apperrors.WriteFromErr(w, err)
			return
		}
		responders.Success(w, "activation balance withdrawn", sanitize(tx))
	default:
		apperrors.WriteSimpleError(w, apperrors.CodeValidation,
			"direction must be to_activation or from_activation")
	}
}

func (s *Server) handleActivationTransferToUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientID string `json:"recipientId"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if body.RecipientID == "" {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "recipientId is required")
		return
	}
	amount, err := parseAmount(body.Amount, body.Currency)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	tx, err := s.activations.TransferToUser(r.Context(), auth.UserID(r.Context()), body.RecipientID, amount)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "activation funds transferred", sanitize(tx))
}

func (s *Server) handleActivationSponsor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BeneficiaryID string `json:"beneficiaryId"`
		SKU           string `json:"sku"`
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if body.BeneficiaryID == "" || body.SKU == "" {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "beneficiaryId and sku are required")
		return
	}

	tx, err := s.activations.Sponsor(r.Context(), auth.UserID(r.Context()), body.BeneficiaryID, body.SKU)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated, "activation sponsored", sanitize(tx))
}

// handleActivatableReferrals lists the caller's direct referrals without an
// active subscription of the requested SKU.
func (s *Server) handleActivatableReferrals(w http.ResponseWriter, r *http.Request) {
	sku := r.URL.Query().Get("sku")
	if sku == "" {
		sku = activation.SKUClassique
	}
	users, err := s.activations.ActivatableReferrals(r.Context(), auth.UserID(r.Context()), sku)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "activatable referrals", users)
}

// handleUpgradableReferrals lists the caller's direct referrals eligible for
// the CLASSIQUE to CIBLE upgrade.
func (s *Server) handleUpgradableReferrals(w http.ResponseWriter, r *http.Request) {
	users, err := s.activations.UpgradableReferrals(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "upgradable referrals", users)
}
