package creditsync

import (
	"encoding/json"
	"time"
)

// Account is a user's credit balance.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountStatus is derived from the balance on every read.
type AccountStatus string

const (
	AccountBlocked AccountStatus = "blocked"
	AccountWarning AccountStatus = "warning"
	AccountOK      AccountStatus = "ok"
)

// AccountView is the result of an account read.
type AccountView struct {
	UserID  string        `json:"user_id"`
	Balance int64         `json:"balance"`
	Status  AccountStatus `json:"status"`
}

// SessionCharge records the total ever billed for one transcript.
// ChargedAmount never decreases.
type SessionCharge struct {
	TranscriptID  string    `json:"transcript_id"`
	UserID        string    `json:"user_id"`
	ChargedAmount int64     `json:"charged_amount"`
	LastSync      time.Time `json:"last_sync"`
}

// Source identifies who authored a transcript entry.
type Source string

const (
	SourceSystem Source = "system"
	SourceUser   Source = "user"
)

// Entry is one element of a transcript, as produced by the TranscriptSource.
type Entry struct {
	Source  Source          `json:"source"`
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// KeyKind is the index a transcript lookup goes through.
type KeyKind string

const (
	KeySession KeyKind = "session"
	KeyUser    KeyKind = "user"
)

// TranscriptKey addresses a transcript search.
type TranscriptKey struct {
	Kind  KeyKind
	Value string
}

// TranscriptSummary is a single search hit.
type TranscriptSummary struct {
	ID        string
	SessionID string
	UserID    string
	CreatedAt time.Time
}

// TranscriptRef is the ephemeral result of resolving a session key.
type TranscriptRef struct {
	SessionKey   string
	TranscriptID string
	KeyKind      KeyKind
	ResolvedAt   time.Time
}

// DebitRequest asks an AccountStore to subtract credits.
type DebitRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string

	// ClampAtZero skips accounts at or below zero and caps the debit so the
	// balance stops at zero. Metering debits leave it false.
	ClampAtZero bool
}

// Debit is the durable record of an applied debit.
type Debit struct {
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	BalanceBefore  int64     `json:"balance_before"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditReason says which path produced an audit record.
type AuditReason string

const (
	AuditSync   AuditReason = "sync"
	AuditDeduct AuditReason = "deduct"
)

// AuditRecord is appended once per successful non-zero debit.
type AuditRecord struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Amount         int64       `json:"amount"`
	BalanceBefore  int64       `json:"balance_before"`
	BalanceAfter   int64       `json:"balance_after"`
	TranscriptID   string      `json:"transcript_id,omitempty"`
	Reason         AuditReason `json:"reason"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Breakdown      *Breakdown  `json:"breakdown,omitempty"`
}

// SyncStatus is the outcome of a sync call.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusUpToDate SyncStatus = "up_to_date"
	StatusCharged  SyncStatus = "charged"
)

// Pending reasons.
const (
	ReasonNotIndexed        = "not_indexed"
	ReasonSourceUnavailable = "source_unavailable"
	ReasonInProgress        = "in_progress"
)

// SyncRequest is the input of Syncer.Sync.
type SyncRequest struct {
	SessionKey string `json:"session_key"`
	UserID     string `json:"user_id"`
}

// SyncResult is the output of Syncer.Sync.
type SyncResult struct {
	Status         SyncStatus  `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	TranscriptID   string      `json:"transcript_id,omitempty"`
	CumulativeCost int64       `json:"cumulative_cost,omitempty"`
	Amount         int64       `json:"amount,omitempty"`
	NewBalance     int64       `json:"new_balance,omitempty"`
	Anomaly        AnomalyKind `json:"anomaly,omitempty"`
}

// MarshalJSON always emits new_balance for charged results, including a
// balance of exactly zero.
func (r SyncResult) MarshalJSON() ([]byte, error) {
	type plain SyncResult
	if r.Status != StatusCharged {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		NewBalance int64 `json:"new_balance"`
	}{plain(r), r.NewBalance})
}

// DeductRequest is the input of Syncer.Deduct.
type DeductRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"cost"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DeductResult is the output of Syncer.Deduct.
type DeductResult struct {
	Applied         bool   `json:"success"`
	Deducted        int64  `json:"deducted"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	Message         string `json:"message,omitempty"`
}
