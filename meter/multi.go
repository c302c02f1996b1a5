package meter

import "github.com/ineyio/creditsync"

// Multi fans events out to several meters in order.
type Multi []creditsync.Meter

var _ creditsync.Meter = Multi(nil)

func (m Multi) OnSync(e creditsync.SyncEvent) {
	for _, mm := range m {
		mm.OnSync(e)
	}
}

func (m Multi) OnAnomaly(e creditsync.AnomalyEvent) {
	for _, mm := range m {
		mm.OnAnomaly(e)
	}
}
