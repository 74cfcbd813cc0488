package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/money"
)

const createIntentsTable = `
CREATE TABLE IF NOT EXISTS payment_intents (
	session_id        TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	gateway           TEXT NOT NULL,
	payment_type      TEXT NOT NULL,
	amount_currency   TEXT NOT NULL,
	amount_atomic     BIGINT NOT NULL,
	pay_currency      TEXT NOT NULL DEFAULT '',
	external_id       TEXT NOT NULL DEFAULT '',
	checkout_url      TEXT NOT NULL DEFAULT '',
	pay_address       TEXT NOT NULL DEFAULT '',
	pay_amount        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	raw_status        TEXT NOT NULL DEFAULT '',
	settled_tx_id     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	status_checked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_intents_user_created ON payment_intents (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_intents_gateway_status ON payment_intents (gateway, status, status_checked_at);
`

const intentColumns = `session_id, user_id, gateway, payment_type, amount_currency, amount_atomic,
	pay_currency, external_id, checkout_url, pay_address, pay_amount, status, raw_status,
	settled_tx_id, created_at, updated_at, status_checked_at`

// PostgresStore is the PostgreSQL-backed intent store.
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

// NewPostgresStoreWithDB reuses an existing pool.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createIntentsTable); err != nil {
		return fmt.Errorf("create intents schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, in Intent) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (session_id, user_id, gateway, payment_type,
			amount_currency, amount_atomic, pay_currency, external_id, checkout_url,
			pay_address, pay_amount, status, raw_status, settled_tx_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		in.SessionID, in.UserID, string(in.Gateway), in.PaymentType,
		in.Amount.Currency.Code, in.Amount.Atomic, in.PayCurrency,
		in.ExternalID, in.CheckoutURL, in.PayAddress, in.PayAmount,
		string(in.Status), in.RawStatus, in.SettledTxID, in.CreatedAt, now,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE session_id = $1`, sessionID)
	return scanIntent(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, sessionID string, u Update) (Intent, error) {
	var checkedAt interface{}
	if !u.StatusCheckedAt.IsZero() {
		checkedAt = u.StatusCheckedAt
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE payment_intents SET
			status = CASE WHEN $2 <> '' THEN $2 ELSE status END,
			raw_status = CASE WHEN $3 <> '' THEN $3 ELSE raw_status END,
			external_id = CASE WHEN $4 <> '' THEN $4 ELSE external_id END,
			status_checked_at = COALESCE($5, status_checked_at),
			updated_at = now()
		WHERE session_id = $1 AND status = ANY($6)
		RETURNING `+intentColumns,
		sessionID, string(u.Status), u.RawStatus, u.ExternalID, checkedAt,
		pq.Array(nonTerminalStatusStrings()),
	)
	in, err := scanIntent(row)
	if errors.Is(err, ErrNotFound) {
		return s.GetBySession(ctx, sessionID)
	}
	return in, err
}

func (s *PostgresStore) MarkSettled(ctx context.Context, sessionID, txID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_intents SET settled_tx_id = $2, updated_at = now()
		WHERE session_id = $1 AND settled_tx_id = ''`,
		sessionID, txID,
	)
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark settled: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	if _, getErr := s.GetBySession(ctx, sessionID); getErr != nil {
		return false, getErr
	}
	return false, nil
}

func (s *PostgresStore) FindStale(ctx context.Context, gatewayName gateway.Name, olderThan time.Time, limit int) ([]Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
		WHERE gateway = $1 AND status = ANY($2)
		AND COALESCE(status_checked_at, created_at) <= $3
		ORDER BY created_at ASC`
	args := []interface{}{
		string(gatewayName),
		pq.Array(nonTerminalStatusStrings()),
		olderThan,
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find stale intents: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]Intent, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_intents WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count intents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("find intents: %w", err)
	}
	defer rows.Close()

	out := []Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, in)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func nonTerminalStatusStrings() []string {
	return []string{
		string(StatusPendingUserInput),
		string(StatusPendingProvider),
		string(StatusWaitingCryptoDeposit),
		string(StatusProcessing),
		string(StatusConfirmed),
	}
}

type intentScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row intentScanner) (Intent, error) {
	var (
		in        Intent
		gw        string
		status    string
		amountCur string
		checkedAt sql.NullTime
	)
	err := row.Scan(
		&in.SessionID, &in.UserID, &gw, &in.PaymentType,
		&amountCur, &in.Amount.Atomic,
		&in.PayCurrency, &in.ExternalID, &in.CheckoutURL, &in.PayAddress, &in.PayAmount,
		&status, &in.RawStatus, &in.SettledTxID,
		&in.CreatedAt, &in.UpdatedAt, &checkedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, fmt.Errorf("scan intent: %w", err)
	}
	in.Gateway = gateway.Name(gw)
	in.Status = Status(status)
	if cur, curErr := money.GetCurrency(amountCur); curErr == nil {
		in.Amount.Currency = cur
	} else {
		in.Amount.Currency = money.Currency{Code: amountCur}
	}
	if checkedAt.Valid {
		in.StatusCheckedAt = checkedAt.Time
	}
	return in, nil
}
