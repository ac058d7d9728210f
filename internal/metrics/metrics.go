// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus metrics for turns, gateway requests,
// tool executions and presentation events.
//
// Metrics live on their own registry so several instances (tests, embedded
// use) never collide on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "overlaychat"

// Turn outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeCancelled = "cancelled"
)

// Metrics holds every collector. It implements cloud.RequestObserver,
// tools.Observer and events.Observer.
type Metrics struct {
	registry *prometheus.Registry

	turns           *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	correctives     *prometheus.CounterVec
	partialFailures *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	toolExecutions  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	eventsForwarded *prometheus.CounterVec
	bridgeClients   prometheus.Gauge
	historyTurns    prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns run, by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn including corrective invocations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		correctives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrective_invocations_total",
			Help:      "Corrective tool invocations issued for a missing modality.",
		}, []string{"modality"}),
		partialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_generation_failures_total",
			Help:      "Corrective invocations that failed.",
		}, []string{"modality"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway HTTP requests, by operation and status code.",
		}, []string{"op", "status"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Gateway request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"op"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions, by tool and result.",
		}, []string{"tool", "success"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"tool"}),
		eventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Presentation events published, by type.",
		}, []string{"type"}),
		bridgeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_clients",
			Help:      "Connected WebSocket bridge clients.",
		}),
		historyTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_turns",
			Help:      "Turns currently held in conversation history.",
		}),
	}

	m.registry.MustRegister(
		m.turns, m.turnDuration, m.correctives, m.partialFailures,
		m.gatewayRequests, m.gatewayDuration,
		m.toolExecutions, m.toolDuration,
		m.eventsForwarded, m.bridgeClients, m.historyTurns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ===== TURNS =====

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// ObserveCorrective records a corrective invocation and whether it failed.
func (m *Metrics) ObserveCorrective(modality string, failed bool) {
	m.correctives.WithLabelValues(modality).Inc()
	if failed {
		m.partialFailures.WithLabelValues(modality).Inc()
	}
}

// SetHistoryTurns reports the current history size.
func (m *Metrics) SetHistoryTurns(n int) {
	m.historyTurns.Set(float64(n))
}

// ===== GATEWAY =====

// ObserveRequest implements cloud.RequestObserver. Status 0 means the
// request never got a response.
func (m *Metrics) ObserveRequest(op string, status int, d time.Duration) {
	m.gatewayRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.gatewayDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ===== TOOLS =====

// ObserveTool implements tools.Observer.
func (m *Metrics) ObserveTool(name string, success bool, d time.Duration) {
	m.toolExecutions.WithLabelValues(name, strconv.FormatBool(success)).Inc()
	m.toolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ===== EVENTS & BRIDGE =====

// ObserveEvent implements events.Observer.
func (m *Metrics) ObserveEvent(eventType string) {
	m.eventsForwarded.WithLabelValues(eventType).Inc()
}

// ClientConnected increments the bridge client gauge.
func (m *Metrics) ClientConnected() {
	m.bridgeClients.Inc()
}

// ClientDisconnected decrements the bridge client gauge.
func (m *Metrics) ClientDisconnected() {
	m.bridgeClients.Dec()
}
