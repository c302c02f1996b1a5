package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditsync"
)

// PromMeter exports sync outcomes as Prometheus metrics.
type PromMeter struct {
	syncs     *prometheus.CounterVec
	charged   prometheus.Counter
	anomalies *prometheus.CounterVec
	duration  prometheus.Histogram
}

var _ creditsync.Meter = (*PromMeter)(nil)

// NewPromMeter registers the creditsync metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PromMeter{
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditsync_syncs_total",
			Help: "Sync calls by status and pending reason.",
		}, []string{"status", "reason"}),
		charged: f.NewCounter(prometheus.CounterOpts{
			Name: "creditsync_credits_charged_total",
			Help: "Credits debited by metering.",
		}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "creditsync_ledger_anomalies_total",
			Help: "Ledger anomalies by kind.",
		}, []string{"kind", "page"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditsync_sync_duration_seconds",
			Help:    "Sync call latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *PromMeter) OnSync(e creditsync.SyncEvent) {
	status := string(e.Status)
	if e.Error != nil {
		status = "error"
	}
	m.syncs.WithLabelValues(status, e.Reason).Inc()
	if e.Amount > 0 {
		m.charged.Add(float64(e.Amount))
	}
	m.duration.Observe(e.Duration.Seconds())
}

func (m *PromMeter) OnAnomaly(e creditsync.AnomalyEvent) {
	page := "false"
	if e.Kind.Page() {
		page = "true"
	}
	m.anomalies.WithLabelValues(string(e.Kind), page).Inc()
}
