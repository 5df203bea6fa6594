// Package observability exposes the Prometheus metrics of the fleet core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts inbound transport messages by kind.
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_messages_ingested_total",
		Help: "Inbound pub/sub messages processed by kind",
	}, []string{"kind"})

	// MessagesDropped counts inbound messages dropped before processing.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_messages_dropped_total",
		Help: "Inbound pub/sub messages dropped and the reason",
	}, []string{"reason"})

	// ViolationsCreated counts geofence violation records by severity.
	ViolationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_violations_created_total",
		Help: "Geofence violation records created by severity",
	}, []string{"severity"})

	// StatusTransitions counts authoritative drone status transitions.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_status_transitions_total",
		Help: "Drone status transitions by resulting status",
	}, []string{"status"})

	// CommandsDispatched counts command dispatch attempts by outcome.
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_commands_dispatched_total",
		Help: "Command dispatch attempts by outcome",
	}, []string{"outcome"})

	// ReconnectAttempts counts transport reconnect attempts by result.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_transport_reconnects_total",
		Help: "Transport reconnect attempts by result",
	}, []string{"result"})

	// TransportConnected reports whether the transport is currently connected.
	TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_transport_connected",
		Help: "1 when the pub/sub transport is connected, 0 otherwise",
	})

	// TelemetrySinkDropped counts telemetry samples dropped by the
	// time-series writer because its buffer was full.
	TelemetrySinkDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_timeseries_dropped_total",
		Help: "Telemetry samples dropped by the time-series writer",
	})
)
