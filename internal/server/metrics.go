package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	MessagesRelayed   *prometheus.CounterVec
	CallsStarted      prometheus.Counter
}

// NewMetrics creates and registers the hub collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telecare",
			Subsystem: "signaling",
			Name:      "connections_active",
			Help:      "Open WebSocket connections on this instance.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telecare",
			Subsystem: "signaling",
			Name:      "rooms_active",
			Help:      "Rooms with at least one local participant.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "signaling",
			Name:      "messages_relayed_total",
			Help:      "Messages relayed through the hub, by event.",
		}, []string{"event"}),
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telecare",
			Subsystem: "signaling",
			Name:      "calls_started_total",
			Help:      "Calls that reached the first participant join.",
		}),
	}
	reg.MustRegister(m.ConnectionsActive, m.RoomsActive, m.MessagesRelayed, m.CallsStarted)
	return m
}
