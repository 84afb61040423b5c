// Package metrics defines the Prometheus instruments of the proxy. They
// register with the default registry and are served by the admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "odonata_bridge"

var (
	// ConnectionsAccepted counts accepted client connections.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Client connections accepted.",
	})

	// ConnectionsRejected counts connections refused before dialing upstream.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "Client connections refused, by reason.",
	}, []string{"reason"})

	// ConnectionsActive is the number of live proxied connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Proxied connections currently open.",
	})

	// Packets counts packets by direction and dispatch action.
	Packets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Packets handled, by direction and action.",
	}, []string{"direction", "action"})

	// Injected counts packets written from injection queues.
	Injected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_injected_total",
		Help:      "Packets written from extension injection queues.",
	}, []string{"direction"})

	// ConnectionFaults counts connections closed by a protocol fault.
	ConnectionFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_faults_total",
		Help:      "Connections closed because of a protocol fault.",
	})

	// AuthRequests counts identity-service calls by step and outcome.
	AuthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_requests_total",
		Help:      "Identity-service requests, by step and outcome.",
	}, []string{"step", "outcome"})

	// KeyPoolMisses counts handshakes that had to generate a key inline.
	KeyPoolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_pool_misses_total",
		Help:      "Encryption handshakes that found the key pool empty.",
	})
)
