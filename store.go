package creditsync

import (
	"context"
	"time"
)

// AccountStore holds per-user balances.
type AccountStore interface {
	// GetAccount returns the account for a user, or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID string) (Account, error)

	// Debit atomically subtracts credits and records the idempotency key.
	// A key that was already applied returns the original Debit together
	// with ErrDuplicateDebit and changes nothing.
	Debit(ctx context.Context, req DebitRequest) (Debit, error)
}

// AccountInitializer is implemented by stores that can seed balances.
type AccountInitializer interface {
	SetBalance(ctx context.Context, userID string, balance int64) error
}

// ChargeStore persists SessionCharge records.
type ChargeStore interface {
	// GetCharge returns the charge for a transcript. found is false when no
	// charge has been recorded yet.
	GetCharge(ctx context.Context, transcriptID string) (charge SessionCharge, found bool, err error)

	// AdvanceCharge writes charge only if the stored ChargedAmount still
	// equals expected (an absent record counts as zero). Otherwise it
	// returns ErrChargeConflict.
	AdvanceCharge(ctx context.Context, charge SessionCharge, expected int64) error
}

// Locker grants short per-key leases used to serialise reconciliations of
// the same transcript across processes.
type Locker interface {
	// Acquire returns ErrLeaseHeld if another holder has the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// Release frees the lease if it is still owned by the caller.
	Release(ctx context.Context, lease Lease) error
}

// Lease is a held lock.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// AuditSink receives an append-only record of applied debits.
// The core never reads it back.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
}
