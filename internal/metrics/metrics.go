// Package metrics provides Prometheus metrics for the SIM tunnel broker.
//
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "simtunnel"
)

// Metrics contains all Prometheus metrics for the broker.
type Metrics struct {
	// Listener metrics
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	HandlerPanics       *prometheus.CounterVec

	// Authentication metrics
	AuthResults      *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram

	// Rendezvous metrics
	ConnectResults *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	MatchLatency   prometheus.Histogram
	ProviderIdle   prometheus.Gauge

	// Relay metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram
	PacketsRelayed  *prometheus.CounterVec
	BytesRelayed    *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec

	// Directory metrics
	DirectoryRequests *prometheus.CounterVec
	DirectoryLatency  *prometheus.HistogramVec

	// GC metrics
	GCRuns     *prometheus.CounterVec
	GCRemoved  *prometheus.CounterVec
	GCDuration *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections by listener",
		}, []string{"listener"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections by listener",
		}, []string{"listener"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed before authentication by listener and reason",
		}, []string{"listener", "reason"}),
		HandlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Connection handlers that panicked by listener",
		}, []string{"listener"}),

		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Authentication outcomes by role and status",
		}, []string{"role", "status"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to a completed authentication handshake",
			Buckets:   latencyBuckets,
		}),

		ConnectResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_results_total",
			Help:      "Probe connect request outcomes by status",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Pending connect requests across all provider queues",
		}),
		MatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_latency_seconds",
			Help:      "Time from enqueue to provider acceptance",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		ProviderIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_workers_idle",
			Help:      "Provider connections waiting for a request",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions_active",
			Help:      "Number of running relay sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Total relay sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_session_duration_seconds",
			Help:      "Relay session lifetime",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}),
		PacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_packets_total",
			Help:      "Packets relayed by direction and opcode",
		}, []string{"direction", "opcode"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Encoded packet bytes relayed by direction",
		}, []string{"direction"}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay sessions ended by an error, by reason",
		}, []string{"reason"}),

		DirectoryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_requests_total",
			Help:      "Session directory lookups by operation and result",
		}, []string{"operation", "result"}),
		DirectoryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "directory_latency_seconds",
			Help:      "Session directory lookup latency",
			Buckets:   latencyBuckets,
		}, []string{"operation"}),

		GCRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "GC task runs by task and result",
		}, []string{"task", "result"}),
		GCRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_removed_total",
			Help:      "Items removed by GC tasks",
		}, []string{"task"}),
		GCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "GC task duration",
			Buckets:   latencyBuckets,
		}, []string{"task"}),
	}
}

// RecordConnectionOpen records an accepted connection.
func (m *Metrics) RecordConnectionOpen(listener string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(listener).Inc()
	m.ConnectionsTotal.WithLabelValues(listener).Inc()
}

// RecordConnectionClose records a closed connection.
func (m *Metrics) RecordConnectionClose(listener string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(listener).Dec()
}

// RecordConnectionRejected records a connection dropped before authentication.
func (m *Metrics) RecordConnectionRejected(listener, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(listener, reason).Inc()
}

// RecordHandlerPanic records a connection handler that panicked.
func (m *Metrics) RecordHandlerPanic(listener string) {
	if m == nil {
		return
	}
	m.HandlerPanics.WithLabelValues(listener).Inc()
}

// RecordAuth records a handshake outcome.
func (m *Metrics) RecordAuth(role, status string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(role, status).Inc()
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordConnectResult records the status sent to a probe.
func (m *Metrics) RecordConnectResult(status string) {
	if m == nil {
		return
	}
	m.ConnectResults.WithLabelValues(status).Inc()
}

// RecordMatch records a provider accepting a request.
func (m *Metrics) RecordMatch(latencySeconds float64) {
	if m == nil {
		return
	}
	m.MatchLatency.Observe(latencySeconds)
}

// SetQueueDepth sets the pending request gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordProviderIdle tracks provider workers entering (+1) or leaving (-1)
// the idle state.
func (m *Metrics) RecordProviderIdle(delta int) {
	if m == nil {
		return
	}
	m.ProviderIdle.Add(float64(delta))
}

// RecordSessionStart records a relay session starting.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a relay session ending. reason is empty for a
// clean close.
func (m *Metrics) RecordSessionEnd(durationSeconds float64, reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if reason != "" {
		m.RelayErrors.WithLabelValues(reason).Inc()
	}
}

// RecordPacket records one relayed packet.
func (m *Metrics) RecordPacket(direction, opcode string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsRelayed.WithLabelValues(direction, opcode).Inc()
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDirectory records a directory lookup.
func (m *Metrics) RecordDirectory(operation, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.DirectoryRequests.WithLabelValues(operation, result).Inc()
	m.DirectoryLatency.WithLabelValues(operation).Observe(latencySeconds)
}

// RecordGC records one GC task run.
func (m *Metrics) RecordGC(task, result string, removed int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GCRuns.WithLabelValues(task, result).Inc()
	if removed > 0 {
		m.GCRemoved.WithLabelValues(task).Add(float64(removed))
	}
	m.GCDuration.WithLabelValues(task).Observe(durationSeconds)
}
