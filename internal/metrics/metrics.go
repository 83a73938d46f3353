// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsConnected tracks live sessions.
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hubbub",
		Name:      "sessions_connected",
		Help:      "Number of live app sessions.",
	})

	// PacketsReceived counts inbound packets by type-key.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubbub",
		Name:      "packets_received_total",
		Help:      "Inbound packets by type.",
	}, []string{"type"})

	// PacketsSent counts outbound packets by type-key.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubbub",
		Name:      "packets_sent_total",
		Help:      "Outbound packets by type.",
	}, []string{"type"})

	// EndpointCalls counts endpoint invocations by endpoint key and
	// outcome ("ok" or "error").
	EndpointCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubbub",
		Name:      "endpoint_calls_total",
		Help:      "Endpoint calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// Disconnects counts session teardown by reason.
	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubbub",
		Name:      "disconnects_total",
		Help:      "Session disconnects by reason.",
	}, []string{"reason"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
