// Package audit provides AuditSink implementations that do not persist
// records themselves. Persistent sinks live with the stores.
package audit

import (
	"context"
	"log/slog"

	"github.com/ineyio/creditsync"
)

// LogSink writes audit records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

var _ creditsync.AuditSink = (*LogSink)(nil)

// NewLogSink creates a LogSink. If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Append(ctx context.Context, rec creditsync.AuditRecord) error {
	attrs := []any{
		"audit_id", rec.ID,
		"user", rec.UserID,
		"amount", rec.Amount,
		"balance_before", rec.BalanceBefore,
		"balance_after", rec.BalanceAfter,
		"reason", rec.Reason,
		"timestamp", rec.Timestamp,
	}
	if rec.TranscriptID != "" {
		attrs = append(attrs, "transcript", rec.TranscriptID)
	}
	if rec.IdempotencyKey != "" {
		attrs = append(attrs, "idempotency_key", rec.IdempotencyKey)
	}
	if b := rec.Breakdown; b != nil {
		attrs = append(attrs, slog.Group("breakdown",
			"policy", b.PolicyVersion,
			"entries", b.Entries,
			"free", b.Free,
			"fixed", b.Fixed,
			"metered", b.Metered,
			"system_score", b.SystemScore,
			"user_score", b.UserScore,
			"total", b.Total,
		))
	}
	s.Logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// NoopSink discards records.
type NoopSink struct{}

var _ creditsync.AuditSink = NoopSink{}

func (NoopSink) Append(context.Context, creditsync.AuditRecord) error { return nil }

// Multi appends to every sink and returns the first error.
type Multi []creditsync.AuditSink

var _ creditsync.AuditSink = Multi(nil)

func (m Multi) Append(ctx context.Context, rec creditsync.AuditRecord) error {
	var first error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
