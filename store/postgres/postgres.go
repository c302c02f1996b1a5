// Package postgres provides PostgreSQL-backed stores for creditsync.
//
// Balances, session charges, debit idempotency keys and the audit log live
// in PostgreSQL tables. Debits lock the account row and record their key in
// the same transaction, which makes the store safe for multi-instance
// deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditsync"
)

// Store is a PostgreSQL-backed AccountStore, ChargeStore and AuditSink.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ creditsync.AccountStore       = (*Store)(nil)
	_ creditsync.AccountInitializer = (*Store)(nil)
	_ creditsync.ChargeStore        = (*Store)(nil)
	_ creditsync.AuditSink          = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditsync_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditsync_",
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string { return s.tablePrefix + "accounts" }
func (s *Store) chargesTable() string  { return s.tablePrefix + "session_charges" }
func (s *Store) debitsTable() string   { return s.tablePrefix + "debits" }
func (s *Store) auditTable() string    { return s.tablePrefix + "audit_log" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			transcript_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			charged_amount BIGINT NOT NULL,
			last_sync TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			transcript_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			breakdown JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[4]s_user_idx ON %[4]s (user_id, created_at);
	`, s.accountsTable(), s.chargesTable(), s.debitsTable(), s.auditTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditsync/postgres: ensure schema: %w", err)
	}
	return nil
}

// SetBalance creates or overwrites an account balance (upsert).
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, balance, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET balance = $2, updated_at = $3`,
			s.accountsTable()),
		userID, balance, s.now(),
	)
	if err != nil {
		return fmt.Errorf("creditsync/postgres: set balance: %w", err)
	}
	return nil
}

// GetAccount returns the account or creditsync.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (creditsync.Account, error) {
	acc := creditsync.Account{UserID: userID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance, updated_at FROM %s WHERE user_id = $1`, s.accountsTable()),
		userID,
	).Scan(&acc.Balance, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditsync.Account{}, creditsync.ErrAccountNotFound
	}
	if err != nil {
		return creditsync.Account{}, fmt.Errorf("creditsync/postgres: get account: %w", err)
	}
	return acc, nil
}

// Debit subtracts credits and records the idempotency key in one
// transaction. The account row lock orders concurrent debits of one user,
// so the key lookup after it sees every committed debit.
func (s *Store) Debit(ctx context.Context, req creditsync.DebitRequest) (creditsync.Debit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the account.
	var balance int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE user_id = $1 FOR UPDATE`, s.accountsTable()),
		req.UserID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditsync.Debit{}, creditsync.ErrAccountNotFound
	}
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/postgres: lock account: %w", err)
	}

	// 2. Idempotency check.
	if req.IdempotencyKey != "" {
		prev, found, err := s.findDebit(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return creditsync.Debit{}, err
		}
		if found {
			return prev, creditsync.ErrDuplicateDebit
		}
	}

	d := creditsync.Debit{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Amount:         clamp(req, balance),
		BalanceBefore:  balance,
		CreatedAt:      s.now(),
	}
	d.BalanceAfter = balance - d.Amount
	if d.Amount == 0 {
		return d, nil
	}

	// 3. Apply and record.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $1, updated_at = $2 WHERE user_id = $3`, s.accountsTable()),
		d.BalanceAfter, d.CreatedAt, req.UserID,
	)
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/postgres: update balance: %w", err)
	}
	if req.IdempotencyKey != "" {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, user_id, amount, balance_before, balance_after, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`, s.debitsTable()),
			d.IdempotencyKey, d.UserID, d.Amount, d.BalanceBefore, d.BalanceAfter, d.CreatedAt,
		)
		if err != nil {
			return creditsync.Debit{}, fmt.Errorf("creditsync/postgres: record debit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/postgres: commit: %w", err)
	}
	return d, nil
}

func (s *Store) findDebit(ctx context.Context, tx pgx.Tx, key string) (creditsync.Debit, bool, error) {
	d := creditsync.Debit{IdempotencyKey: key}
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT user_id, amount, balance_before, balance_after, created_at FROM %s WHERE key = $1`,
			s.debitsTable()),
		key,
	).Scan(&d.UserID, &d.Amount, &d.BalanceBefore, &d.BalanceAfter, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditsync.Debit{}, false, nil
	}
	if err != nil {
		return creditsync.Debit{}, false, fmt.Errorf("creditsync/postgres: idem check: %w", err)
	}
	return d, true, nil
}

func clamp(req creditsync.DebitRequest, balance int64) int64 {
	if !req.ClampAtZero {
		return req.Amount
	}
	if balance <= 0 {
		return 0
	}
	return min(req.Amount, balance)
}

// GetCharge returns the session charge for a transcript.
func (s *Store) GetCharge(ctx context.Context, transcriptID string) (creditsync.SessionCharge, bool, error) {
	c := creditsync.SessionCharge{TranscriptID: transcriptID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT user_id, charged_amount, last_sync FROM %s WHERE transcript_id = $1`, s.chargesTable()),
		transcriptID,
	).Scan(&c.UserID, &c.ChargedAmount, &c.LastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditsync.SessionCharge{}, false, nil
	}
	if err != nil {
		return creditsync.SessionCharge{}, false, fmt.Errorf("creditsync/postgres: get charge: %w", err)
	}
	return c, true, nil
}

// AdvanceCharge writes charge only if the stored amount still equals
// expected. An absent row counts as zero.
func (s *Store) AdvanceCharge(ctx context.Context, charge creditsync.SessionCharge, expected int64) error {
	var q string
	if expected == 0 {
		q = fmt.Sprintf(`INSERT INTO %[1]s AS c (transcript_id, user_id, charged_amount, last_sync)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (transcript_id) DO UPDATE
				SET user_id = EXCLUDED.user_id, charged_amount = EXCLUDED.charged_amount, last_sync = EXCLUDED.last_sync
				WHERE c.charged_amount = $5
			RETURNING true`, s.chargesTable())
	} else {
		q = fmt.Sprintf(`UPDATE %s SET user_id = $2, charged_amount = $3, last_sync = $4
			WHERE transcript_id = $1 AND charged_amount = $5
			RETURNING true`, s.chargesTable())
	}

	var ok bool
	err := s.pool.QueryRow(ctx, q,
		charge.TranscriptID, charge.UserID, charge.ChargedAmount, charge.LastSync, expected,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditsync.ErrChargeConflict
	}
	if err != nil {
		return fmt.Errorf("creditsync/postgres: advance charge: %w", err)
	}
	return nil
}

// Append inserts an audit record.
func (s *Store) Append(ctx context.Context, rec creditsync.AuditRecord) error {
	var breakdown []byte
	if rec.Breakdown != nil {
		b, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return fmt.Errorf("creditsync/postgres: encode breakdown: %w", err)
		}
		breakdown = b
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, amount, balance_before, balance_after, transcript_id, reason, idempotency_key, breakdown, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.auditTable()),
		rec.ID, rec.UserID, rec.Amount, rec.BalanceBefore, rec.BalanceAfter,
		rec.TranscriptID, string(rec.Reason), rec.IdempotencyKey, breakdown, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("creditsync/postgres: append audit: %w", err)
	}
	return nil
}

// AuditRecords returns the most recent audit records of a user, newest
// first.
func (s *Store) AuditRecords(ctx context.Context, userID string, limit int) ([]creditsync.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, amount, balance_before, balance_after, transcript_id, reason, idempotency_key, breakdown, created_at
			FROM %s WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, s.auditTable()),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("creditsync/postgres: audit records: %w", err)
	}
	defer rows.Close()

	var out []creditsync.AuditRecord
	for rows.Next() {
		rec := creditsync.AuditRecord{UserID: userID}
		var reason string
		var breakdown []byte
		if err := rows.Scan(&rec.ID, &rec.Amount, &rec.BalanceBefore, &rec.BalanceAfter,
			&rec.TranscriptID, &reason, &rec.IdempotencyKey, &breakdown, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("creditsync/postgres: scan audit: %w", err)
		}
		rec.Reason = creditsync.AuditReason(reason)
		if len(breakdown) > 0 {
			rec.Breakdown = new(creditsync.Breakdown)
			if err := json.Unmarshal(breakdown, rec.Breakdown); err != nil {
				return nil, fmt.Errorf("creditsync/postgres: decode breakdown: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneDebits removes debit idempotency keys older than olderThan. Keep the
// window longer than any session can stay active, or a lost charge advance
// can no longer be recovered.
func (s *Store) PruneDebits(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.debitsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("creditsync/postgres: prune debits: %w", err)
	}
	return tag.RowsAffected(), nil
}
