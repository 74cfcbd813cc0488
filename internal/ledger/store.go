package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/money"
)

// Store errors. Backends translate driver-level failures into these so
// callers can branch without knowing the backend.
var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicateKey      = errors.New("transaction id already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Filter narrows ledger queries. Zero-value fields match everything.
// Soft-deleted entries are excluded unless IncludeDeleted is set.
type Filter struct {
	UserID         string
	Types          []Type
	Statuses       []Status
	Currency       string
	From           time.Time
	To             time.Time
	Search         string // Substring match on transactionId or description
	IncludeDeleted bool
}

// Page is a 1-based pagination window.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the window to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}

// Offset returns the number of records to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Patch carries the optional field updates applied alongside a status
// transition. Metadata keys merge into the existing map.
type Patch struct {
	ProviderStatus        string
	ExternalTransactionID string
	Description           string
	Metadata              map[string]string
}

// StatusCount is one row of the processing-stats rollup.
type StatusCount struct {
	Type         Type   `json:"type"`
	Status       Status `json:"status"`
	Count        int64  `json:"count"`
	AmountAtomic int64  `json:"amountAtomic"`
}

// Store is the persistence interface for the transaction ledger.
//
// UpdateStatus is a guarded compare-and-set: the write succeeds only when
// the entry's current status may legally transition to the target. All
// implementations enforce this atomically so concurrent webhook delivery,
// reconciler sweeps and admin actions cannot race a terminal entry back to
// life.
type Store interface {
	// Append inserts a new entry. Returns ErrDuplicateKey when the
	// transactionId is already present.
	Append(ctx context.Context, tx Transaction) error

	// FindByTransactionID returns one entry, soft-deleted included.
	FindByTransactionID(ctx context.Context, transactionID string) (Transaction, error)

	// Find returns a page of entries matching the filter, newest first,
	// along with the total match count.
	Find(ctx context.Context, f Filter, p Page) ([]Transaction, int64, error)

	// UpdateStatus transitions an entry to a new status, applying the patch
	// in the same write. Returns ErrIllegalTransition when the current
	// status does not allow the move, ErrNotFound when the id is unknown.
	UpdateStatus(ctx context.Context, transactionID string, to Status, patch Patch) (Transaction, error)

	// PatchMetadata merges keys into an entry's metadata without touching
	// its status.
	PatchMetadata(ctx context.Context, transactionID string, meta map[string]string) error

	// FindProcessingWithdrawals returns withdrawal entries stuck in
	// processing since before olderThan, oldest first, for the reconciler.
	FindProcessingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)

	// FindFirstByMetadata returns the first entry of the given type whose
	// metadata contains every key/value in meta. userID narrows the search
	// when non-empty. Returns ErrNotFound when nothing matches.
	FindFirstByMetadata(ctx context.Context, userID string, typ Type, meta map[string]string) (Transaction, error)

	// HasNonTerminal reports whether the user has any entry of the given
	// types in a non-terminal status.
	HasNonTerminal(ctx context.Context, userID string, types ...Type) (bool, error)

	// SoftDelete hides an entry from default listings without removing it.
	SoftDelete(ctx context.Context, transactionID string) error

	// ProcessingStats returns a count/amount rollup of non-terminal entries
	// grouped by type and status, for the admin dashboard.
	ProcessingStats(ctx context.Context) ([]StatusCount, error)

	Close() error
}

// NewStore creates a ledger store for the configured backend.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn().Msg("ledger.using_memory_store")
		return NewMemoryStore(), nil
	case "mongodb":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// currencyFromCode restores a registry currency from its persisted code.
// Codes removed from the registry still round-trip with their raw code so
// historical entries stay readable.
func currencyFromCode(code string) money.Currency {
	if c, err := money.GetCurrency(code); err == nil {
		return c
	}
	return money.Currency{Code: code}
}

func matchesMeta(tx *Transaction, meta map[string]string) bool {
	for k, v := range meta {
		if tx.MetaValue(k) != v {
			return false
		}
	}
	return true
}
