package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
)

// Store errors.
var (
	ErrNotFound     = errors.New("payment intent not found")
	ErrDuplicateKey = errors.New("payment session already exists")
)

// Update carries the fields a status change may touch.
type Update struct {
	Status          Status
	RawStatus       string
	ExternalID      string
	StatusCheckedAt time.Time
}

// IntentStore persists payment intents.
//
// UpdateStatus refuses to move a terminal intent, and MarkSettled is a
// one-shot compare-and-set: both are atomic in every backend so duplicate
// webhooks and concurrent polls cannot double-credit.
type IntentStore interface {
	Create(ctx context.Context, in Intent) error
	GetBySession(ctx context.Context, sessionID string) (Intent, error)

	// UpdateStatus applies the update unless the intent is already terminal.
	// A no-op on terminal intents returns the stored intent unchanged.
	UpdateStatus(ctx context.Context, sessionID string, u Update) (Intent, error)

	// MarkSettled records the settlement ledger id exactly once. The boolean
	// reports whether this call won the settle.
	MarkSettled(ctx context.Context, sessionID, txID string) (bool, error)

	// FindStale returns non-terminal intents on a gateway not checked since
	// olderThan, oldest first, for the reconciler.
	FindStale(ctx context.Context, gatewayName gateway.Name, olderThan time.Time, limit int) ([]Intent, error)

	// ListByUser returns a page of the user's intents, newest first.
	ListByUser(ctx context.Context, userID string, page, limit int) ([]Intent, int64, error)

	Close() error
}

// NewStore creates an intent store for the configured backend.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (IntentStore, error) {
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
