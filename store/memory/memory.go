// Package memory provides in-memory stores for creditsync.
//
// A single Store implements every storage interface of the core: accounts,
// session charges, leases and the audit log. State lives in the process, so
// it suits tests, examples and single-instance deployments only.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/creditsync"
)

// Store is an in-memory AccountStore, ChargeStore, Locker and AuditSink.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*creditsync.Account
	charges  map[string]creditsync.SessionCharge
	debits   map[string]creditsync.Debit // idempotency key dedup
	leases   map[string]creditsync.Lease
	audit    []creditsync.AuditRecord
	now      func() time.Time
}

var (
	_ creditsync.AccountStore       = (*Store)(nil)
	_ creditsync.AccountInitializer = (*Store)(nil)
	_ creditsync.ChargeStore        = (*Store)(nil)
	_ creditsync.Locker             = (*Store)(nil)
	_ creditsync.AuditSink          = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithClock overrides time.Now for lease expiry and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts: make(map[string]*creditsync.Account),
		charges:  make(map[string]creditsync.SessionCharge),
		debits:   make(map[string]creditsync.Debit),
		leases:   make(map[string]creditsync.Lease),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBalance creates or overwrites an account balance.
func (s *Store) SetBalance(_ context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[userID] = &creditsync.Account{UserID: userID, Balance: balance, UpdatedAt: s.now()}
	return nil
}

// GetAccount returns the account or creditsync.ErrAccountNotFound.
func (s *Store) GetAccount(_ context.Context, userID string) (creditsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return creditsync.Account{}, creditsync.ErrAccountNotFound
	}
	return *acc, nil
}

// Debit subtracts credits and records the idempotency key in one step.
func (s *Store) Debit(_ context.Context, req creditsync.DebitRequest) (creditsync.Debit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.debits[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prev, creditsync.ErrDuplicateDebit
	}

	acc, ok := s.accounts[req.UserID]
	if !ok {
		return creditsync.Debit{}, creditsync.ErrAccountNotFound
	}

	amount := clamp(req, acc.Balance)
	d := creditsync.Debit{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Amount:         amount,
		BalanceBefore:  acc.Balance,
		BalanceAfter:   acc.Balance - amount,
		CreatedAt:      s.now(),
	}
	if amount == 0 {
		return d, nil
	}

	acc.Balance = d.BalanceAfter
	acc.UpdatedAt = d.CreatedAt
	if req.IdempotencyKey != "" {
		s.debits[req.IdempotencyKey] = d
	}
	return d, nil
}

// clamp returns the amount a debit actually applies.
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
func (s *Store) GetCharge(_ context.Context, transcriptID string) (creditsync.SessionCharge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.charges[transcriptID]
	return c, ok, nil
}

// AdvanceCharge writes charge if the stored amount still equals expected.
func (s *Store) AdvanceCharge(_ context.Context, charge creditsync.SessionCharge, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.charges[charge.TranscriptID].ChargedAmount != expected {
		return creditsync.ErrChargeConflict
	}
	s.charges[charge.TranscriptID] = charge
	return nil
}

// Acquire takes a lease on key unless an unexpired one exists.
func (s *Store) Acquire(_ context.Context, key string, ttl time.Duration) (creditsync.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.ExpiresAt) {
		return creditsync.Lease{}, creditsync.ErrLeaseHeld
	}
	l := creditsync.Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	s.leases[key] = l
	return l, nil
}

// Release frees the lease if the token still matches.
func (s *Store) Release(_ context.Context, lease creditsync.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[lease.Key]; ok && l.Token == lease.Token {
		delete(s.leases, lease.Key)
	}
	return nil
}

// Append adds an audit record.
func (s *Store) Append(_ context.Context, rec creditsync.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, rec)
	return nil
}

// AuditRecords returns a copy of the audit log.
func (s *Store) AuditRecords() []creditsync.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]creditsync.AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

// Debits returns the number of recorded idempotent debits.
func (s *Store) Debits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.debits)
}
