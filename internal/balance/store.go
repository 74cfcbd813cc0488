// Package balance maintains the per-user balance view projected from the
// ledger. The view is a cache of ledger history; Reproject rebuilds it from
// scratch when the two disagree.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// ErrNotFound is returned for users with no balance record. Most callers
// treat it as a zero balance instead of an error.
var ErrNotFound = errors.New("balance record not found")

// Balances is one user's balance view.
//
// Fiat is XAF-denominated, USD holds the crypto-side settlement balance, and
// Activation is the XAF sub-ledger reserved for sponsor activations. Daily
// withdrawal counters reset whenever the recorded UTC day rolls over.
type Balances struct {
	UserID     string      `json:"userId"`
	Fiat       money.Money `json:"fiat"`
	USD        money.Money `json:"usd"`
	Activation money.Money `json:"activation"`

	DailyWithdrawnXAF    int64  `json:"dailyWithdrawnXaf"`
	DailyWithdrawalCount int    `json:"dailyWithdrawalCount"`
	DailyCounterDate     string `json:"dailyCounterDate"` // UTC day, "2006-01-02"

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBalances returns an empty balance view for a user.
func NewBalances(userID string) Balances {
	return Balances{
		UserID:     userID,
		Fiat:       money.Zero(money.MustCurrency("XAF")),
		USD:        money.Zero(money.MustCurrency("USD")),
		Activation: money.Zero(money.MustCurrency("XAF")),
	}
}

// dayKey formats a time as the UTC-day counter key.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// normalizeDay resets daily counters when the recorded day is not today.
func (b *Balances) normalizeDay(now time.Time) {
	today := dayKey(now)
	if b.DailyCounterDate != today {
		b.DailyCounterDate = today
		b.DailyWithdrawnXAF = 0
		b.DailyWithdrawalCount = 0
	}
}

// Store persists balance views. Writers must hold the owning user's lock in
// the Service; the store itself does plain last-write-wins upserts.
type Store interface {
	Get(ctx context.Context, userID string) (Balances, error)
	Save(ctx context.Context, b Balances) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// NewStore creates a balance store for the configured backend.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "mongodb":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
