package creditsync

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a transcript source.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-source health using a circuit breaker pattern.
// The resolver skips unhealthy sources and reports pending instead.
type HealthTracker struct {
	mu      sync.Mutex
	sources map[string]*sourceHealth
	now     func() time.Time
}

type sourceHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		sources: make(map[string]*sourceHealth),
		now:     time.Now,
	}
}

// GetHealth returns the current health state for a source.
func (h *HealthTracker) GetHealth(source string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.sources[source]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → half-open, let one probe through.
	if sh.state == HealthUnhealthy && h.now().Sub(sh.unhealthyAt) >= healthUnhealthyPeriod {
		sh.state = HealthHalfOpen
	}

	return sh.state
}

// RecordSuccess records a successful lookup.
func (h *HealthTracker) RecordSuccess(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.getOrCreate(source)
	sh.state = HealthHealthy
	sh.failures = sh.failures[:0]
}

// RecordFailure records a failed lookup.
func (h *HealthTracker) RecordFailure(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.getOrCreate(source)
	if sh.state == HealthUnhealthy {
		return
	}

	now := h.now()

	if sh.state == HealthHalfOpen {
		sh.state = HealthUnhealthy
		sh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := sh.failures[:0]
	for _, t := range sh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	sh.failures = append(valid, now)

	if len(sh.failures) >= healthFailureThreshold {
		sh.state = HealthUnhealthy
		sh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(source string) *sourceHealth {
	sh, ok := h.sources[source]
	if !ok {
		sh = &sourceHealth{state: HealthHealthy}
		h.sources[source] = sh
	}
	return sh
}
