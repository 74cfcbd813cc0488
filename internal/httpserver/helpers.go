package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// maxBodyBytes caps request and webhook payload sizes.
const maxBodyBytes = 1 << 20

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err)
	}
	return nil
}

func parseAmount(amount, currency string) (money.Money, error) {
	cur, err := money.GetCurrency(currency)
	if err != nil {
		return money.Money{}, apperrors.Wrap(apperrors.CodeValidation, "unsupported currency", err)
	}
	m, err := money.FromMajor(cur, amount)
	if err != nil {
		return money.Money{}, apperrors.Wrap(apperrors.CodeValidation, "invalid amount", err)
	}
	return m, nil
}

func pageParams(r *http.Request) ledger.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return ledger.Page{Page: page, Limit: limit}.Normalize()
}

// ledgerFilter builds a query filter from the common list parameters.
// The caller fixes UserID afterwards where ownership applies.
func ledgerFilter(r *http.Request) ledger.Filter {
	q := r.URL.Query()
	f := ledger.Filter{
		Currency: q.Get("currency"),
		Search:   q.Get("search"),
	}
	if t := q.Get("type"); t != "" {
		f.Types = []ledger.Type{ledger.Type(t)}
	}
	if st := q.Get("status"); st != "" {
		f.Statuses = []ledger.Status{ledger.Status(st)}
	}
	if from := q.Get("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = ts
		}
	}
	if to := q.Get("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = ts
		}
	}
	return f
}

// sanitize strips OTP secrets from a ledger entry before it leaves the API.
func sanitize(tx ledger.Transaction) ledger.Transaction {
	if tx.Metadata == nil {
		return tx
	}
	meta := make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		if k == ledger.MetaOTPHash || k == ledger.MetaOTPSalt {
			continue
		}
		meta[k] = v
	}
	tx.Metadata = meta
	return tx
}

func sanitizeAll(txs []ledger.Transaction) []ledger.Transaction {
	out := make([]ledger.Transaction, len(txs))
	for i := range txs {
		out[i] = sanitize(txs[i])
	}
	return out
}
