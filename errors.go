package creditsync

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidInput        = errors.New("creditsync: invalid input")
	ErrAccountNotFound     = errors.New("creditsync: account not found")
	ErrPending             = errors.New("creditsync: transcript pending")
	ErrTranscriptNotFound  = errors.New("creditsync: transcript not found")
	ErrExternalUnavailable = errors.New("creditsync: transcript source unavailable")
	ErrLedgerAnomaly       = errors.New("creditsync: ledger anomaly")
	ErrDuplicateDebit      = errors.New("creditsync: duplicate debit")
	ErrChargeConflict      = errors.New("creditsync: session charge changed concurrently")
	ErrLeaseHeld           = errors.New("creditsync: lease held by another reconciliation")
)

// AnomalyKind classifies a ledger anomaly.
type AnomalyKind string

const (
	// AnomalyRegression: the computed cost is below what was already charged.
	AnomalyRegression AnomalyKind = "regression"
	// AnomalyUserMismatch: the transcript was charged to a different user.
	AnomalyUserMismatch AnomalyKind = "user_mismatch"
	// AnomalyDebitFailed: the account write failed; nothing was charged.
	AnomalyDebitFailed AnomalyKind = "debit_failed"
	// AnomalyChargeNotAdvanced: the account was debited but the session
	// charge could not be advanced. Page-worthy.
	AnomalyChargeNotAdvanced AnomalyKind = "charge_not_advanced"
	// AnomalyChargeConflict: the session charge moved under a held lease.
	AnomalyChargeConflict AnomalyKind = "charge_conflict"
	// AnomalyRecovered: a debit applied by an earlier round was found by its
	// idempotency key and the session charge was caught up.
	AnomalyRecovered AnomalyKind = "recovered"
)

// Page reports whether the anomaly needs an operator.
func (k AnomalyKind) Page() bool {
	return k == AnomalyChargeNotAdvanced || k == AnomalyChargeConflict
}

// AnomalyError describes a ledger anomaly with reconciliation context.
type AnomalyError struct {
	Kind         AnomalyKind
	UserID       string
	TranscriptID string
	Charged      int64
	Computed     int64
	Err          error
}

func (e *AnomalyError) Error() string {
	msg := fmt.Sprintf("creditsync: ledger anomaly kind=%s user=%s transcript=%s charged=%d computed=%d",
		e.Kind, e.UserID, e.TranscriptID, e.Charged, e.Computed)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AnomalyError) Unwrap() error {
	return e.Err
}

// Is makes every AnomalyError match ErrLedgerAnomaly.
func (e *AnomalyError) Is(target error) bool {
	return target == ErrLedgerAnomaly
}

// IsClientError returns true if the error should be reported to the caller
// as a request problem rather than absorbed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrAccountNotFound)
}

// IsUnavailable returns true if the error means the transcript source could
// not answer and the sync should degrade to pending.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrExternalUnavailable)
}
