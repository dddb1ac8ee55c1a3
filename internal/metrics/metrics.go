// Package metrics exposes the daemon's operational counters via
// Prometheus client collectors. This is ambient observability, not a
// dashboard: the daemon works identically whether or not anything ever
// scrapes /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the daemon registers.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	EnvelopesRouted     *prometheus.CounterVec
	EnvelopesDropped    *prometheus.CounterVec
	BusySignals         prometheus.Counter
	WorkersSpawned      prometheus.Counter
	WorkersReleased     prometheus.Counter
	BlockingSendLatency prometheus.Histogram
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrelay",
			Name:      "connections_active",
			Help:      "Number of connections currently in the ACTIVE state.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "connections_total",
			Help:      "Total connections accepted since startup.",
		}),
		EnvelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes successfully routed, labeled by fan-out kind.",
		}, []string{"fan_out"}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes that could not be delivered, labeled by reason.",
		}, []string{"reason"}),
		BusySignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "busy_signals_total",
			Help:      "BUSY envelopes emitted due to write-queue backpressure.",
		}),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "workers_spawned_total",
			Help:      "Workers successfully spawned.",
		}),
		WorkersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "workers_released_total",
			Help:      "Workers released (stopped).",
		}),
		BlockingSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrelay",
			Name:      "blocking_send_seconds",
			Help:      "Time a blocking SEND waited for its ACK/NACK/ERROR.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive, m.ConnectionsTotal,
		m.EnvelopesRouted, m.EnvelopesDropped,
		m.BusySignals, m.WorkersSpawned, m.WorkersReleased,
		m.BlockingSendLatency,
	)
	return m
}
