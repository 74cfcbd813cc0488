package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/config"
)

const createTransactionsTable = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id  TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount_currency TEXT NOT NULL,
	amount_atomic   BIGINT NOT NULL,
	fee_currency    TEXT NOT NULL DEFAULT '',
	fee_atomic      BIGINT NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	provider        JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_type_status ON transactions (type, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_transactions_session ON transactions ((metadata->>'sourcePaymentSessionId'))
	WHERE metadata ? 'sourcePaymentSessionId';
`

const transactionColumns = `transaction_id, user_id, type, amount_currency, amount_atomic,
	fee_currency, fee_atomic, status, description, provider, metadata, created_at, updated_at, deleted`

// PostgresStore is the PostgreSQL-backed ledger store.
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

	pool := cfg.PostgresPool
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime.Duration)
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
	logger.Info().Msg("ledger.postgres_connected")
	return s, nil
}

// NewPostgresStoreWithDB reuses an existing pool, for callers that share one
// connection across stores.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTransactionsTable); err != nil {
		return fmt.Errorf("create transactions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, tx Transaction) error {
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = now
	}

	providerJSON, err := json.Marshal(tx.Provider)
	if err != nil {
		return fmt.Errorf("marshal provider: %w", err)
	}
	metadataJSON, err := marshalMeta(tx.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, user_id, type, amount_currency, amount_atomic,
			fee_currency, fee_atomic, status, description, provider, metadata, created_at, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.TransactionID, tx.UserID, string(tx.Type),
		tx.Amount.Currency.Code, tx.Amount.Atomic,
		tx.Fee.Currency.Code, tx.Fee.Atomic,
		string(tx.Status), tx.Description,
		providerJSON, metadataJSON,
		tx.CreatedAt, tx.UpdatedAt, tx.Deleted,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByTransactionID(ctx context.Context, transactionID string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`,
		transactionID,
	)
	return scanTransaction(row)
}

func (s *PostgresStore) Find(ctx context.Context, f Filter, p Page) ([]Transaction, int64, error) {
	where, args := buildPostgresWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	p = p.Normalize()
	query := fmt.Sprintf(
		`SELECT %s FROM transactions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)+1, len(args)+2,
	)
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, p.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("find transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tx)
	}
	return out, total, rows.Err()
}

func buildPostgresWhere(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		conds = append(conds, "deleted = FALSE")
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conds = append(conds, "type = ANY("+arg(pq.Array(types))+")")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if f.Currency != "" {
		conds = append(conds, "amount_currency = "+arg(f.Currency))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		p := arg(pattern)
		conds = append(conds, "(transaction_id ILIKE "+p+" OR description ILIKE "+p+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, transactionID string, to Status, patch Patch) (Transaction, error) {
	sources := SourcesFor(to)
	if len(sources) == 0 {
		return Transaction{}, ErrIllegalTransition
	}
	sourceStrs := make([]string, len(sources))
	for i, st := range sources {
		sourceStrs[i] = string(st)
	}

	providerPatch := map[string]string{}
	if patch.ProviderStatus != "" {
		providerPatch["status"] = patch.ProviderStatus
	}
	if patch.ExternalTransactionID != "" {
		providerPatch["externalTransactionId"] = patch.ExternalTransactionID
	}
	providerJSON, err := json.Marshal(providerPatch)
	if err != nil {
		return Transaction{}, fmt.Errorf("marshal provider patch: %w", err)
	}
	metadataJSON, err := marshalMeta(patch.Metadata)
	if err != nil {
		return Transaction{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			status = $2,
			updated_at = now(),
			description = CASE WHEN $3 <> '' THEN $3 ELSE description END,
			provider = provider || $4::jsonb,
			metadata = metadata || $5::jsonb
		WHERE transaction_id = $1 AND status = ANY($6)
		RETURNING `+transactionColumns,
		transactionID, string(to), patch.Description,
		providerJSON, metadataJSON, pq.Array(sourceStrs),
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, ErrNotFound) {
		if _, findErr := s.FindByTransactionID(ctx, transactionID); findErr != nil {
			return Transaction{}, findErr
		}
		return Transaction{}, ErrIllegalTransition
	}
	return tx, err
}

func (s *PostgresStore) PatchMetadata(ctx context.Context, transactionID string, meta map[string]string) error {
	metadataJSON, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET metadata = metadata || $2::jsonb, updated_at = now()
		WHERE transaction_id = $1`,
		transactionID, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("patch transaction metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch transaction metadata: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindProcessingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = $1 AND status = $2 AND deleted = FALSE`
	args := []interface{}{string(TypeWithdrawal), string(StatusProcessing)}
	if !olderThan.IsZero() {
		args = append(args, olderThan)
		query += fmt.Sprintf(" AND updated_at <= $%d", len(args))
	}
	query += " ORDER BY updated_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find processing withdrawals: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindFirstByMetadata(ctx context.Context, userID string, typ Type, meta map[string]string) (Transaction, error) {
	metadataJSON, err := marshalMeta(meta)
	if err != nil {
		return Transaction{}, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = $1 AND deleted = FALSE AND metadata @> $2::jsonb`
	args := []interface{}{string(typ), metadataJSON}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	query += " ORDER BY created_at ASC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanTransaction(row)
}

func (s *PostgresStore) HasNonTerminal(ctx context.Context, userID string, types ...Type) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM transactions
		WHERE user_id = $1 AND deleted = FALSE AND status = ANY($2)`
	args := []interface{}{userID, pq.Array(nonTerminalStatusStrings())}
	if len(types) > 0 {
		typeStrs := make([]string, len(types))
		for i, t := range types {
			typeStrs[i] = string(t)
		}
		args = append(args, pq.Array(typeStrs))
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	query += ")"

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check non-terminal transactions: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, transactionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET deleted = TRUE, updated_at = now() WHERE transaction_id = $1`,
		transactionID,
	)
	if err != nil {
		return fmt.Errorf("soft delete transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete transaction: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ProcessingStats(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, status, COUNT(*), COALESCE(SUM(amount_atomic), 0)
		FROM transactions
		WHERE deleted = FALSE AND status = ANY($1)
		GROUP BY type, status
		ORDER BY type, status`,
		pq.Array(nonTerminalStatusStrings()),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate processing stats: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var (
			typ, status string
			row         StatusCount
		)
		if err := rows.Scan(&typ, &status, &row.Count, &row.AmountAtomic); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		row.Type = Type(typ)
		row.Status = Status(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying pool so sibling stores can share it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx                 Transaction
		typ, status        string
		amountCur, feeCur  string
		providerJSON       []byte
		metadataJSON       []byte
	)
	err := row.Scan(
		&tx.TransactionID, &tx.UserID, &typ,
		&amountCur, &tx.Amount.Atomic,
		&feeCur, &tx.Fee.Atomic,
		&status, &tx.Description,
		&providerJSON, &metadataJSON,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Type = Type(typ)
	tx.Status = Status(status)
	tx.Amount.Currency = currencyFromCode(amountCur)
	if feeCur != "" {
		tx.Fee.Currency = currencyFromCode(feeCur)
	}
	if len(providerJSON) > 0 {
		if err := json.Unmarshal(providerJSON, &tx.Provider); err != nil {
			return Transaction{}, fmt.Errorf("unmarshal provider: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return tx, nil
}

// marshalMeta keeps empty maps as '{}' so jsonb concatenation is a no-op.
func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
