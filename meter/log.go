package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/creditsync"
)

// LogMeter logs sync events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditsync.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSync(e creditsync.SyncEvent) {
	if e.Error != nil {
		m.Logger.Warn("sync_error",
			"session", e.SessionKey,
			"user", e.UserID,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("sync",
		"session", e.SessionKey,
		"user", e.UserID,
		"transcript", e.TranscriptID,
		"status", e.Status,
		"reason", e.Reason,
		"amount", e.Amount,
		"cumulative_cost", e.CumulativeCost,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnAnomaly(e creditsync.AnomalyEvent) {
	level := slog.LevelWarn
	if e.Kind.Page() {
		level = slog.LevelError
	}
	m.Logger.Log(context.Background(), level, "anomaly",
		"anomaly", e.Kind,
		"page", e.Kind.Page(),
		"user", e.UserID,
		"transcript", e.TranscriptID,
		"charged", e.Charged,
		"computed", e.Computed,
		"error", e.Error,
	)
}
