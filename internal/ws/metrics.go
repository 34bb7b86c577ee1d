// Package ws implements the WebSocket transport: the hub with its rooms and
// per-room sequence counters, the per-connection read/write pumps, and the
// chat and notification session state machines.
//
// This file exposes Prometheus instrumentation for WebSocket traffic,
// following the same label-cardinality discipline as the HTTP middleware
// metrics: frame types come from the fixed protocol enums, never from client
// input.
package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	// wsConnections gauges currently open sockets by channel kind.
	wsConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Current number of open WebSocket connections.",
		},
		[]string{"channel"},
	)

	// wsFrames counts frames by direction and protocol type.
	wsFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Total WebSocket frames processed.",
		},
		[]string{"direction", "type"},
	)

	// wsDropped counts outbound frames dropped because a client's send
	// buffer was full.
	wsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_frames_dropped_total",
			Help: "Outbound frames dropped due to slow clients.",
		},
	)

	// wsMessagesQueued counts messages parked in the offline queue.
	wsMessagesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_queued_total",
			Help: "Messages routed to the offline queue.",
		},
	)

	// wsBreakerTransitions counts circuit breaker state changes by domain.
	wsBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"domain", "to"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsFrames, wsDropped, wsMessagesQueued, wsBreakerTransitions)
}

// CountBreakerTransition records a circuit breaker state change. Wired to
// the faults registry at process start.
func CountBreakerTransition(domain, to string) {
	wsBreakerTransitions.WithLabelValues(domain, to).Inc()
}
