package meter

import "github.com/ineyio/creditsync"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditsync.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSync(creditsync.SyncEvent)       {}
func (m *NoopMeter) OnAnomaly(creditsync.AnomalyEvent) {}
