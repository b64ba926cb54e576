// Package metrics exposes Prometheus collectors for the call relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the relay reports. All collectors live on a
// private registry so tests can create isolated instances without tripping
// duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	SignalingConnections prometheus.Counter
	AuthFailures         prometheus.Counter
	RateLimited          prometheus.Counter
	MessagesForwarded    *prometheus.CounterVec
	CredentialsIssued    *prometheus.CounterVec
	CredentialFailures   prometheus.Counter

	RoomsActive prometheus.Gauge
	PeersActive prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SignalingConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "signaling_connections_total",
			Help:      "Total signaling WebSocket connections accepted.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "auth_failures_total",
			Help:      "Total signaling connections rejected for bad or missing credentials.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "rate_limited_total",
			Help:      "Total requests denied by the per-identity rate limiter.",
		}),
		MessagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "messages_forwarded_total",
			Help:      "Total signaling messages relayed between peers, by message type.",
		}, []string{"type"}),
		CredentialsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "turn_credentials_issued_total",
			Help:      "Total TURN credential responses served, by issuer.",
		}, []string{"issuer"}),
		CredentialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "call_relay",
			Name:      "turn_credential_failures_total",
			Help:      "Total TURN credential requests that fell back to STUN only.",
		}),

		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "call_relay",
			Name:      "rooms_active",
			Help:      "Session rooms currently holding at least one peer.",
		}),
		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "call_relay",
			Name:      "peers_active",
			Help:      "Signaling peers currently connected.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
