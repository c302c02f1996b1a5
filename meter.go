package creditsync

import "time"

// Meter observes sync outcomes for monitoring/logging.
type Meter interface {
	// OnSync is called once per completed sync call.
	OnSync(event SyncEvent)

	// OnAnomaly is called for every ledger anomaly, including absorbed ones.
	OnAnomaly(event AnomalyEvent)
}

// SyncEvent describes a completed sync call.
type SyncEvent struct {
	SessionKey     string
	UserID         string
	TranscriptID   string
	Status         SyncStatus
	Reason         string
	Amount         int64
	CumulativeCost int64
	Duration       time.Duration
	Error          error
}

// AnomalyEvent describes a ledger anomaly.
type AnomalyEvent struct {
	Kind         AnomalyKind
	UserID       string
	TranscriptID string
	Charged      int64
	Computed     int64
	Error        error
}
