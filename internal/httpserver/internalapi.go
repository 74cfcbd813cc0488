package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/internal/money"
	"github.com/sbc-platform/payment-engine/pkg/responders"
)

type internalAdjustRequest struct {
	UserID      string            `json:"userId"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (r internalAdjustRequest) parse() (money.Money, error) {
	if r.UserID == "" {
		return money.Money{}, apperrors.New(apperrors.CodeValidation, "userId is required")
	}
	amount, err := parseAmount(r.Amount, r.Currency)
	if err != nil {
		return money.Money{}, err
	}
	if !amount.IsPositive() {
		return money.Money{}, apperrors.New(apperrors.CodeValidation, "amount must be positive")
	}
	return amount, nil
}

// handleInternalDeposit credits a user on behalf of a sibling service
// (refunds, promotional credits). One completed deposit entry backs the
// credit so a reprojection reproduces it.
func (s *Server) handleInternalDeposit(w http.ResponseWriter, r *http.Request) {
	var req internalAdjustRequest
	if err := decode(r, &req); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	amount, err := req.parse()
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	description := req.Description
	if description == "" {
		description = "Internal credit"
	}
	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        req.UserID,
		Type:          ledger.TypeDeposit,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   description,
		Metadata:      req.Metadata,
	}

	ctx := r.Context()
	err = s.balances.WithUserLock(req.UserID, func() error {
		if err := s.ledger.Append(ctx, tx); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "record deposit", err)
		}
		_, err := s.balances.AdjustLocked(ctx, req.UserID, amount, tx.TransactionID)
		return err
	})
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated, "deposit recorded", tx)
}

// handleInternalWithdrawal debits a user on behalf of a sibling service
// (ad purchases, internal fees). Fails with insufficient_funds rather than
// driving a balance negative.
func (s *Server) handleInternalWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req internalAdjustRequest
	if err := decode(r, &req); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	amount, err := req.parse()
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	description := req.Description
	if description == "" {
		description = "Internal debit"
	}
	tx := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        req.UserID,
		Type:          ledger.TypePayment,
		Amount:        amount,
		Fee:           money.Zero(amount.Currency),
		Status:        ledger.StatusCompleted,
		Description:   description,
		Metadata:      req.Metadata,
	}

	ctx := r.Context()
	err = s.balances.WithUserLock(req.UserID, func() error {
		if _, err := s.balances.AdjustLocked(ctx, req.UserID, amount.Neg(), tx.TransactionID); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, tx); err != nil {
			if _, creditErr := s.balances.AdjustLocked(ctx, req.UserID, amount, tx.TransactionID); creditErr != nil {
				log := logger.FromContext(ctx)
				log.Error().Err(creditErr).
					Str("transactionId", tx.TransactionID).
					Msg("http.internal_debit_rollback_failed")
			}
			return apperrors.Wrap(apperrors.CodeDatabase, "record debit", err)
		}
		return nil
	})
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated, "debit recorded", tx)
}

type conversionRequest struct {
	UserID       string `json:"userId"`
	FromAmount   string `json:"fromAmount"`
	FromCurrency string `json:"fromCurrency"`
	ToAmount     string `json:"toAmount"`
	ToCurrency   string `json:"toCurrency"`
	Description  string `json:"description"`
}

// handleInternalConversion records a cross-currency conversion: a completed
// conversion entry debits the source class, a paired deposit credits the
// target class. Conversions are gated on the user having no withdrawal or
// transfer in flight.
func (s *Server) handleInternalConversion(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if err := decode(r, &req); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if req.UserID == "" {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "userId is required")
		return
	}
	from, err := parseAmount(req.FromAmount, req.FromCurrency)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	to, err := parseAmount(req.ToAmount, req.ToCurrency)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if !from.IsPositive() || !to.IsPositive() {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "amounts must be positive")
		return
	}
	if from.Currency.Code == to.Currency.Code {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "source and target currency must differ")
		return
	}

	description := req.Description
	if description == "" {
		description = "Conversion " + from.Currency.Code + " to " + to.Currency.Code
	}
	meta := map[string]string{
		ledger.MetaConversionType: from.Currency.Code + "_TO_" + to.Currency.Code,
		ledger.MetaSourceAmount:   from.ToMajor(),
		ledger.MetaTargetAmount:   to.ToMajor(),
	}
	debit := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        req.UserID,
		Type:          ledger.TypeConversion,
		Amount:        from,
		Fee:           money.Zero(from.Currency),
		Status:        ledger.StatusCompleted,
		Description:   description,
		Metadata:      meta,
	}
	credit := ledger.Transaction{
		TransactionID: ledger.NewTransactionID(),
		UserID:        req.UserID,
		Type:          ledger.TypeDeposit,
		Amount:        to,
		Fee:           money.Zero(to.Currency),
		Status:        ledger.StatusCompleted,
		Description:   description,
		Metadata:      meta,
	}

	ctx := r.Context()
	err = s.balances.WithUserLock(req.UserID, func() error {
		blocked, err := s.balances.HasPendingBlockingTransactions(ctx, req.UserID)
		if err != nil {
			return err
		}
		if blocked {
			return apperrors.New(apperrors.CodePendingBlockingTransaction,
				"a withdrawal or transfer is still in progress")
		}

		if _, err := s.balances.AdjustLocked(ctx, req.UserID, from.Neg(), debit.TransactionID); err != nil {
			return err
		}
		if err := s.ledger.Append(ctx, debit); err != nil {
			_, _ = s.balances.AdjustLocked(ctx, req.UserID, from, debit.TransactionID)
			return apperrors.Wrap(apperrors.CodeDatabase, "record conversion", err)
		}
		if err := s.ledger.Append(ctx, credit); err != nil {
			// Unwind the recorded debit so ledger and view stay aligned.
			_ = s.ledger.SoftDelete(ctx, debit.TransactionID)
			_, _ = s.balances.AdjustLocked(ctx, req.UserID, from, debit.TransactionID)
			return apperrors.Wrap(apperrors.CodeDatabase, "record conversion credit", err)
		}
		_, err = s.balances.AdjustLocked(ctx, req.UserID, to, credit.TransactionID)
		return err
	})
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.SuccessStatus(w, http.StatusCreated, "conversion recorded", []ledger.Transaction{debit, credit})
}

func (s *Server) handleHasPending(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.balances.HasPendingBlockingTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "pending transaction check", map[string]bool{
		"hasPendingTransactions": blocked,
	})
}
