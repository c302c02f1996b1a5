package creditsync

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Syncer or a Ledger.
type Option func(*options)

type options struct {
	locker Locker
	audit  AuditSink
	meter  Meter
	logger *slog.Logger
	health *HealthTracker
	now    func() time.Time
}

// WithLocker serialises reconciliations of the same transcript.
func WithLocker(lk Locker) Option {
	return func(o *options) { o.locker = lk }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(a AuditSink) Option {
	return func(o *options) { o.audit = a }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHealthTracker enables the transcript source circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *options) { o.health = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// buildOptions applies opts, then defaults (NoopAuditSink, noopMeter,
// slog.Default) for anything left unset.
func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.audit == nil {
		o.audit = noopAuditSink{}
	}
	if o.meter == nil {
		o.meter = &noopMeter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

type noopAuditSink struct{}

func (noopAuditSink) Append(context.Context, AuditRecord) error { return nil }

type noopMeter struct{}

func (m *noopMeter) OnSync(SyncEvent)       {}
func (m *noopMeter) OnAnomaly(AnomalyEvent) {}
