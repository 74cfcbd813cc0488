package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sbc-platform/payment-engine/internal/auth"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/withdrawal"
	"github.com/sbc-platform/payment-engine/pkg/responders"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := ledgerFilter(r)
	filter.UserID = auth.UserID(r.Context())
	p := pageParams(r)

	txs, total, err := s.ledger.Find(r.Context(), filter, p)
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "list transactions", err))
		return
	}
	responders.Paginated(w, sanitizeAll(txs), p.Page, p.Limit, total)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.FindByTransactionID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ledger.ErrNotFound) {
		apperrors.WriteSimpleError(w, apperrors.CodeNotFound, "transaction not found")
		return
	}
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "load transaction", err))
		return
	}
	if !s.ownsOrAdmin(r, tx.UserID) {
		apperrors.WriteSimpleError(w, apperrors.CodeNotFound, "transaction not found")
		return
	}
	responders.Success(w, "transaction", sanitize(tx))
}

type withdrawalRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
	Service  string `json:"service"`
}

func (r withdrawalRequest) toInitiate(userID string) (withdrawal.InitiateRequest, error) {
	amount, err := parseAmount(r.Amount, r.Currency)
	if err != nil {
		return withdrawal.InitiateRequest{}, err
	}
	return withdrawal.InitiateRequest{
		UserID:  userID,
		Amount:  amount,
		Type:    withdrawal.Type(r.Type),
		Service: gateway.Name(r.Service),
	}, nil
}

func (s *Server) handleWithdrawalInitiate(w http.ResponseWriter, r *http.Request) {
	var body withdrawalRequest
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	req, err := body.toInitiate(auth.UserID(r.Context()))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	tx, err := s.withdrawals.Initiate(r.Context(), req)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated,
		"withdrawal initiated, verification code sent", sanitize(tx))
}

func (s *Server) handleWithdrawalEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := withdrawalRequest{
		Amount:   q.Get("amount"),
		Currency: q.Get("currency"),
		Type:     q.Get("type"),
	}.toInitiate(auth.UserID(r.Context()))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	est, err := s.withdrawals.EstimateFee(req)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "withdrawal fee estimate", est)
}

func (s *Server) handleWithdrawalVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transactionId"`
		Code          string `json:"code"`
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	tx, err := s.withdrawals.VerifyOTP(r.Context(), auth.UserID(r.Context()), body.TransactionID, body.Code)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "withdrawal verified, awaiting admin approval", sanitize(tx))
}

func (s *Server) handleWithdrawalCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := s.withdrawals.UserCancel(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "withdrawal cancelled", sanitize(tx))
}
