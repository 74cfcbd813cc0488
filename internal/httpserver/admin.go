package httpserver

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sbc-platform/payment-engine/internal/auth"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/pkg/responders"
)

func (s *Server) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	tx, err := s.withdrawals.AdminApprove(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "withdrawal approved", sanitize(tx))
}

func (s *Server) handleAdminReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}

	tx, err := s.withdrawals.AdminReject(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), body.Reason)
	if err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "withdrawal rejected", sanitize(tx))
}

func (s *Server) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	p := pageParams(r)
	txs, total, err := s.withdrawals.ListPending(r.Context(), p)
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "list pending withdrawals", err))
		return
	}
	responders.Paginated(w, sanitizeAll(txs), p.Page, p.Limit, total)
}

func (s *Server) handleAdminValidated(w http.ResponseWriter, r *http.Request) {
	p := pageParams(r)
	txs, total, err := s.withdrawals.ListValidated(r.Context(), p)
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "list validated withdrawals", err))
		return
	}
	responders.Paginated(w, sanitizeAll(txs), p.Page, p.Limit, total)
}

type gatewayBalance struct {
	Gateway  string             `json:"gateway"`
	Balances map[string]float64 `json:"balances,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (s *Server) handleGatewayBalances(w http.ResponseWriter, r *http.Request) {
	adapters := s.gateways.All()
	out := make([]gatewayBalance, 0, len(adapters))
	for _, a := range adapters {
		gb := gatewayBalance{Gateway: string(a.Name())}
		if bp, ok := a.(gateway.BalanceProvider); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			balances, err := bp.Balance(ctx)
			cancel()
			if err != nil {
				gb.Error = err.Error()
			} else {
				gb.Balances = balances
			}
		} else {
			gb.Error = "provider exposes no balance API"
		}
		out = append(out, gb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gateway < out[j].Gateway })
	responders.Success(w, "gateway balances", out)
}

func (s *Server) handleProcessingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.ProcessingStats(r.Context())
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "load processing stats", err))
		return
	}
	responders.Success(w, "processing stats", stats)
}

// handleCheckAll runs a reconciliation sweep. With a transactionId it checks
// that single withdrawal synchronously; otherwise the full sweep runs in the
// background and the call returns immediately.
func (s *Server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transactionId"`
	}
	// An empty body means a full sweep.
	_ = decode(r, &body)

	if body.TransactionID != "" {
		if err := s.sweeper.SweepOne(r.Context(), body.TransactionID); err != nil {
			apperrors.WriteFromErr(w, err)
			return
		}
		responders.Success(w, "transaction checked", nil)
		return
	}

	go s.sweeper.Sweep(context.WithoutCancel(r.Context()))
	responders.SuccessStatus(w, http.StatusAccepted, "sweep started", nil)
}

// handleCommissionRepair re-runs commission distribution for one settled
// session, filling in whichever levels are missing. Safe to repeat.
func (s *Server) handleCommissionRepair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	if body.SessionID == "" {
		apperrors.WriteSimpleError(w, apperrors.CodeValidation, "sessionId is required")
		return
	}

	if err := s.commissions.RepairSession(r.Context(), body.SessionID); err != nil {
		apperrors.WriteFromErr(w, err)
		return
	}
	responders.Success(w, "commission repair completed", nil)
}

// handleAdminTransactions lists ledger entries across users. A "user" search
// term resolves to user ids through the directory; matches are merged and
// re-paginated locally.
func (s *Server) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	filter := ledgerFilter(r)
	filter.UserID = r.URL.Query().Get("userId")
	p := pageParams(r)

	needle := r.URL.Query().Get("user")
	if needle == "" || filter.UserID != "" {
		txs, total, err := s.ledger.Find(r.Context(), filter, p)
		if err != nil {
			apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeDatabase, "list transactions", err))
			return
		}
		responders.Paginated(w, sanitizeAll(txs), p.Page, p.Limit, total)
		return
	}

	ids, err := s.users.FindUserIDs(r.Context(), map[string]string{"query": needle})
	if err != nil {
		apperrors.WriteFromErr(w, apperrors.Wrap(apperrors.CodeProviderUnavailable, "search users", err))
		return
	}
	if len(ids) > maxUserSearchMatches {
		ids = ids[:maxUserSearchMatches]
	}

	var merged []ledger.Transaction
	var total int64
	for _, id := range ids {
		filter.UserID = id
		txs, n, err := s.ledger.Find(r.Context(), filter, ledger.Page{Page: 1, Limit: 100})
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Warn().Err(err).
				Str("userId", id).
				Msg("http.admin_search_partial")
			continue
		}
		merged = append(merged, txs...)
		total += n
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})

	start := p.Offset()
	if start > len(merged) {
		start = len(merged)
	}
	end := start + p.Limit
	if end > len(merged) {
		end = len(merged)
	}
	responders.Paginated(w, sanitizeAll(merged[start:end]), p.Page, p.Limit, total)
}

// maxUserSearchMatches bounds the per-user fan-out of an admin search.
const maxUserSearchMatches = 10
