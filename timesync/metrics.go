package timesync

import "github.com/prometheus/client_golang/prometheus"

// Sources label how a sync was resolved.
const (
	SourceProvided = "provided"
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceShared   = "shared"
)

// Metrics counts sync outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	syncs    *prometheus.CounterVec
	requests prometheus.Counter
	delta    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secure_entry",
			Subsystem: "timesync",
			Name:      "syncs_total",
			Help:      "Time delta resolutions by source.",
		}, []string{"source"}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secure_entry",
			Subsystem: "timesync",
			Name:      "requests_total",
			Help:      "Server time requests issued.",
		}),
		delta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "secure_entry",
			Subsystem: "timesync",
			Name:      "delta_milliseconds",
			Help:      "Last resolved difference between server and device clock.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.syncs, m.requests, m.delta)
	}
	return m
}

func (m *Metrics) observe(source string, deltaMillis int64) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(source).Inc()
	m.delta.Set(float64(deltaMillis))
}

func (m *Metrics) request() {
	if m == nil {
		return
	}
	m.requests.Inc()
}
