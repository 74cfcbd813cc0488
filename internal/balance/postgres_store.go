package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/money"
)

const createBalancesTable = `
CREATE TABLE IF NOT EXISTS balances (
	user_id                TEXT PRIMARY KEY,
	fiat_atomic            BIGINT NOT NULL DEFAULT 0,
	usd_atomic             BIGINT NOT NULL DEFAULT 0,
	activation_atomic      BIGINT NOT NULL DEFAULT 0,
	daily_withdrawn_xaf    BIGINT NOT NULL DEFAULT 0,
	daily_withdrawal_count INT NOT NULL DEFAULT 0,
	daily_counter_date     TEXT NOT NULL DEFAULT '',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the PostgreSQL-backed balance store.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
	ownsDB bool
}

// NewPostgresStore opens a connection pool and ensures the schema.
func NewPostgresStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger, ownsDB: true}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB reuses an existing pool so the ledger and balance
// stores share one connection.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createBalancesTable); err != nil {
		return fmt.Errorf("create balances schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Balances, error) {
	var (
		b    Balances
		fiat, usd, activation int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, fiat_atomic, usd_atomic, activation_atomic,
			daily_withdrawn_xaf, daily_withdrawal_count, daily_counter_date, updated_at
		FROM balances WHERE user_id = $1`,
		userID,
	).Scan(
		&b.UserID, &fiat, &usd, &activation,
		&b.DailyWithdrawnXAF, &b.DailyWithdrawalCount, &b.DailyCounterDate, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Balances{}, ErrNotFound
	}
	if err != nil {
		return Balances{}, fmt.Errorf("find balance: %w", err)
	}
	b.Fiat = money.New(money.MustCurrency("XAF"), fiat)
	b.USD = money.New(money.MustCurrency("USD"), usd)
	b.Activation = money.New(money.MustCurrency("XAF"), activation)
	return b, nil
}

func (s *PostgresStore) Save(ctx context.Context, b Balances) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, fiat_atomic, usd_atomic, activation_atomic,
			daily_withdrawn_xaf, daily_withdrawal_count, daily_counter_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id) DO UPDATE SET
			fiat_atomic = EXCLUDED.fiat_atomic,
			usd_atomic = EXCLUDED.usd_atomic,
			activation_atomic = EXCLUDED.activation_atomic,
			daily_withdrawn_xaf = EXCLUDED.daily_withdrawn_xaf,
			daily_withdrawal_count = EXCLUDED.daily_withdrawal_count,
			daily_counter_date = EXCLUDED.daily_counter_date,
			updated_at = now()`,
		b.UserID, b.Fiat.Atomic, b.USD.Atomic, b.Activation.Atomic,
		b.DailyWithdrawnXAF, b.DailyWithdrawalCount, b.DailyCounterDate,
	)
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM balances WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
