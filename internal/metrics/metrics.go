// Package metrics exposes the Prometheus instruments for kaiser-core:
// broker connectivity, dispatch throughput, rule executions, websocket
// fan-out, and device fleet state. Everything registers on the default
// registry and is served by the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MQTTConnected is 1 while the broker connection is up.
var MQTTConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kaiser",
	Name:      "mqtt_connected",
	Help:      "Whether the MQTT broker connection is currently up (1) or down (0).",
})

// MessagesDispatched counts inbound messages handed to a handler, by
// outcome.
var MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaiser",
	Name:      "messages_dispatched_total",
	Help:      "Inbound MQTT messages dispatched to handlers.",
}, []string{"pattern", "outcome"})

// MessagesDropped counts inbound messages dropped before any handler ran.
var MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaiser",
	Name:      "messages_dropped_total",
	Help:      "Inbound MQTT messages dropped before dispatch (queue overflow, no handler, malformed payload).",
}, []string{"reason"})

// RuleExecutions counts logic rule firings by outcome.
var RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaiser",
	Name:      "rule_executions_total",
	Help:      "Logic rule executions.",
}, []string{"outcome"})

// WSClients tracks currently connected websocket clients.
var WSClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kaiser",
	Name:      "websocket_clients",
	Help:      "Connected websocket clients.",
})

// WSDropped counts websocket frames dropped by rate limiting or a full
// client buffer.
var WSDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kaiser",
	Name:      "websocket_dropped_total",
	Help:      "Websocket frames dropped for rate limiting or slow consumers.",
})

// DevicesByStatus tracks the fleet's derived online state.
var DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kaiser",
	Name:      "devices",
	Help:      "Registered devices by derived status.",
}, []string{"status"})
