// ABOUTME: Prometheus collectors for relay sessions, records and fan-out
// ABOUTME: Registered on an injected registerer so tests can use a private registry

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the relay's collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	Subscriptions    prometheus.Gauge
	Records          *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
	Frames           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open client connections",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscriptions_active",
			Help: "Live subscriptions across all connections",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_records_total",
			Help: "Submitted records by outcome",
		}, []string{"result"}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_dropped_total",
			Help: "Live records dropped for slow consumers",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Client frames received by verb",
		}, []string{"verb"}),
	}
}
