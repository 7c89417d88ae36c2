package feedback

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors the scheduler updates as it
// sends (or drops) status update frames.
type Metrics struct {
	sent        prometheus.Counter
	tickDropped prometheus.Counter
	lastSend    prometheus.Gauge
}

// NewMetrics registers the scheduler's counters against reg. A nil
// registry returns unregistered, still-functional collectors, useful in
// tests that don't care about export.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgrepl",
			Subsystem: "feedback",
			Name:      "status_updates_sent_total",
			Help:      "Standby status update frames sent to the server.",
		}),
		tickDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgrepl",
			Subsystem: "feedback",
			Name:      "timer_ticks_dropped_total",
			Help:      "Timer ticks skipped because a forced send held send_lock.",
		}),
		lastSend: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgrepl",
			Subsystem: "feedback",
			Name:      "last_send_unix_seconds",
			Help:      "Unix timestamp of the last successful status update.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.tickDropped, m.lastSend)
	}
	return m
}
