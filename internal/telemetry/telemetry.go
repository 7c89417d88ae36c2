// Package telemetry exposes the replication engine's lag and
// throughput as Prometheus collectors. It is the engine-wide
// counterpart to internal/feedback's scheduler-scoped send counters:
// where that package only ever sees what it itself sends, this package
// sees everything the WAL stream decoder and pgoutput parser observe.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jfoltran/pgrepl/pkg/lsn"
)

// Registry holds the collectors a replication session updates as it
// streams. A nil *Registry is a valid, inert receiver so callers that
// don't want metrics (most unit tests, one-shot CLI commands) don't
// need a nil check at every call site.
type Registry struct {
	lastReceivedLSN prometheus.Gauge
	lastFlushedLSN  prometheus.Gauge
	lastAppliedLSN  prometheus.Gauge
	lagBytes        prometheus.Gauge

	xlogBytesReceived prometheus.Counter
	messagesDecoded   *prometheus.CounterVec
}

// New creates a Registry and, if reg is non-nil, registers its
// collectors against it.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		lastReceivedLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgrepl",
			Name:      "last_received_lsn",
			Help:      "Highest WAL LSN received from the server, as a uint64.",
		}),
		lastFlushedLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgrepl",
			Name:      "last_flushed_lsn",
			Help:      "Highest WAL LSN confirmed flushed to durable storage, as a uint64.",
		}),
		lastAppliedLSN: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgrepl",
			Name:      "last_applied_lsn",
			Help:      "Highest WAL LSN applied by the consumer, as a uint64.",
		}),
		lagBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgrepl",
			Name:      "replication_lag_bytes",
			Help:      "Bytes of WAL between last_received_lsn and last_applied_lsn.",
		}),
		xlogBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgrepl",
			Name:      "xlog_bytes_received_total",
			Help:      "Total WAL payload bytes received in XLogData frames.",
		}),
		messagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgrepl",
			Name:      "pgoutput_messages_decoded_total",
			Help:      "pgoutput messages decoded, labeled by message kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(r.lastReceivedLSN, r.lastFlushedLSN, r.lastAppliedLSN,
			r.lagBytes, r.xlogBytesReceived, r.messagesDecoded)
	}
	return r
}

// ObserveReceived records the highest LSN received so far. It does not
// touch replication_lag_bytes; ObserveApplied recomputes that.
func (r *Registry) ObserveReceived(received lsn.LSN) {
	if r == nil {
		return
	}
	r.lastReceivedLSN.Set(float64(received.Uint64()))
}

// ObserveFlushed records the highest LSN confirmed flushed.
func (r *Registry) ObserveFlushed(flushed lsn.LSN) {
	if r == nil {
		return
	}
	r.lastFlushedLSN.Set(float64(flushed.Uint64()))
}

// ObserveApplied records the highest LSN applied and recomputes lag
// against received.
func (r *Registry) ObserveApplied(received, applied lsn.LSN) {
	if r == nil {
		return
	}
	r.lastAppliedLSN.Set(float64(applied.Uint64()))
	r.lagBytes.Set(float64(lsn.Lag(applied, received)))
}

// AddXLogBytes adds n bytes to the running XLogData payload total.
func (r *Registry) AddXLogBytes(n int) {
	if r == nil {
		return
	}
	r.xlogBytesReceived.Add(float64(n))
}

// ObserveMessage increments the decoded-message counter for kind (e.g.
// "insert", "update", "delete", "commit").
func (r *Registry) ObserveMessage(kind string) {
	if r == nil {
		return
	}
	r.messagesDecoded.WithLabelValues(kind).Inc()
}
