// Package metrics holds the control-plane server's Prometheus collectors.
// The teacher carries no metrics package; this is grounded on kubernaut's
// prometheus/client_golang collector-registration style (one package-level
// registry, collectors constructed once and handed to the components that
// update them).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the control-plane exposes.
type Metrics struct {
	ConnectedAgents prometheus.Gauge
	DispatchTotal   *prometheus.CounterVec
	PushDropped     prometheus.Counter
	StaleDevices    prometheus.Gauge
}

// New constructs and registers every collector against registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetguard",
			Name:      "connected_agents",
			Help:      "Number of agent sessions currently connected to this node.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetguard",
			Name:      "dispatch_total",
			Help:      "Tasks dispatched, labeled by outcome.",
		}, []string{"outcome"}),
		PushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetguard",
			Name:      "push_dropped_total",
			Help:      "Envelopes not delivered because the target had no session on this node or its write queue was full.",
		}),
		StaleDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetguard",
			Name:      "stale_devices",
			Help:      "Devices whose last heartbeat exceeds the staleness threshold.",
		}),
	}

	registry.MustRegister(m.ConnectedAgents, m.DispatchTotal, m.PushDropped, m.StaleDevices)
	return m
}
