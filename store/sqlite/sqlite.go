// Package sqlite provides a SQLite-backed store for single-node
// deployments of creditsync.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditsync"
)

// Store is a SQLite-backed AccountStore, ChargeStore and AuditSink.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ creditsync.AccountStore       = (*Store)(nil)
	_ creditsync.AccountInitializer = (*Store)(nil)
	_ creditsync.ChargeStore        = (*Store)(nil)
	_ creditsync.AuditSink          = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// schema. A single connection is used so transactions never contend for
// the write lock.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditsync/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id    TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_charges (
			transcript_id  TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			charged_amount INTEGER NOT NULL,
			last_sync      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS debits (
			key            TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after  INTEGER NOT NULL,
			created_at     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			amount          INTEGER NOT NULL,
			balance_before  INTEGER NOT NULL,
			balance_after   INTEGER NOT NULL,
			transcript_id   TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			breakdown       TEXT,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id, created_at)`,
	}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creditsync/sqlite: migrate: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// SetBalance creates or overwrites an account balance.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		userID, balance, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("creditsync/sqlite: set balance: %w", err)
	}
	return nil
}

// GetAccount returns the account or creditsync.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (creditsync.Account, error) {
	acc := creditsync.Account{UserID: userID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM accounts WHERE user_id = ?`, userID,
	).Scan(&acc.Balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return creditsync.Account{}, creditsync.ErrAccountNotFound
	}
	if err != nil {
		return creditsync.Account{}, fmt.Errorf("creditsync/sqlite: get account: %w", err)
	}
	acc.UpdatedAt = parseTime(updated)
	return acc, nil
}

// Debit subtracts credits and records the idempotency key in one
// transaction.
func (s *Store) Debit(ctx context.Context, req creditsync.DebitRequest) (creditsync.Debit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		prev := creditsync.Debit{IdempotencyKey: req.IdempotencyKey}
		var created string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, amount, balance_before, balance_after, created_at FROM debits WHERE key = ?`,
			req.IdempotencyKey,
		).Scan(&prev.UserID, &prev.Amount, &prev.BalanceBefore, &prev.BalanceAfter, &created)
		if err == nil {
			prev.CreatedAt = parseTime(created)
			return prev, creditsync.ErrDuplicateDebit
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: idem check: %w", err)
		}
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, req.UserID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return creditsync.Debit{}, creditsync.ErrAccountNotFound
	}
	if err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: read balance: %w", err)
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

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		d.BalanceAfter, formatTime(d.CreatedAt), req.UserID,
	); err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: update balance: %w", err)
	}
	if req.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO debits (key, user_id, amount, balance_before, balance_after, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			d.IdempotencyKey, d.UserID, d.Amount, d.BalanceBefore, d.BalanceAfter, formatTime(d.CreatedAt),
		); err != nil {
			return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: record debit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return creditsync.Debit{}, fmt.Errorf("creditsync/sqlite: commit: %w", err)
	}
	return d, nil
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
	var lastSync string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, charged_amount, last_sync FROM session_charges WHERE transcript_id = ?`, transcriptID,
	).Scan(&c.UserID, &c.ChargedAmount, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return creditsync.SessionCharge{}, false, nil
	}
	if err != nil {
		return creditsync.SessionCharge{}, false, fmt.Errorf("creditsync/sqlite: get charge: %w", err)
	}
	c.LastSync = parseTime(lastSync)
	return c, true, nil
}

// AdvanceCharge writes charge only if the stored amount still equals
// expected. An absent row counts as zero.
func (s *Store) AdvanceCharge(ctx context.Context, charge creditsync.SessionCharge, expected int64) error {
	var res sql.Result
	var err error
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO session_charges (transcript_id, user_id, charged_amount, last_sync) VALUES (?, ?, ?, ?)
			 ON CONFLICT(transcript_id) DO UPDATE
			   SET user_id = excluded.user_id, charged_amount = excluded.charged_amount, last_sync = excluded.last_sync
			   WHERE session_charges.charged_amount = 0`,
			charge.TranscriptID, charge.UserID, charge.ChargedAmount, formatTime(charge.LastSync),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE session_charges SET user_id = ?, charged_amount = ?, last_sync = ?
			 WHERE transcript_id = ? AND charged_amount = ?`,
			charge.UserID, charge.ChargedAmount, formatTime(charge.LastSync), charge.TranscriptID, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("creditsync/sqlite: advance charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creditsync/sqlite: advance charge: %w", err)
	}
	if n == 0 {
		return creditsync.ErrChargeConflict
	}
	return nil
}

// Append inserts an audit record.
func (s *Store) Append(ctx context.Context, rec creditsync.AuditRecord) error {
	var breakdown sql.NullString
	if rec.Breakdown != nil {
		b, err := json.Marshal(rec.Breakdown)
		if err != nil {
			return fmt.Errorf("creditsync/sqlite: encode breakdown: %w", err)
		}
		breakdown = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, user_id, amount, balance_before, balance_after, transcript_id, reason, idempotency_key, breakdown, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Amount, rec.BalanceBefore, rec.BalanceAfter,
		rec.TranscriptID, string(rec.Reason), rec.IdempotencyKey, breakdown, formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("creditsync/sqlite: append audit: %w", err)
	}
	return nil
}

// AuditRecords returns the most recent audit records of a user, newest
// first.
func (s *Store) AuditRecords(ctx context.Context, userID string, limit int) ([]creditsync.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, amount, balance_before, balance_after, transcript_id, reason, idempotency_key, breakdown, created_at
		 FROM audit_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("creditsync/sqlite: audit records: %w", err)
	}
	defer rows.Close()

	var out []creditsync.AuditRecord
	for rows.Next() {
		rec := creditsync.AuditRecord{UserID: userID}
		var reason, created string
		var breakdown sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Amount, &rec.BalanceBefore, &rec.BalanceAfter,
			&rec.TranscriptID, &reason, &rec.IdempotencyKey, &breakdown, &created); err != nil {
			return nil, fmt.Errorf("creditsync/sqlite: scan audit: %w", err)
		}
		rec.Reason = creditsync.AuditReason(reason)
		rec.Timestamp = parseTime(created)
		if breakdown.Valid {
			rec.Breakdown = new(creditsync.Breakdown)
			if err := json.Unmarshal([]byte(breakdown.String), rec.Breakdown); err != nil {
				return nil, fmt.Errorf("creditsync/sqlite: decode breakdown: %w", err)
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
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM debits WHERE julianday(created_at) < julianday(?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("creditsync/sqlite: prune debits: %w", err)
	}
	return res.RowsAffected()
}
