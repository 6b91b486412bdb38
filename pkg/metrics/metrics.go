package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popbridge_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popbridge_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_connections_rejected_total",
			Help: "Connections refused by the per-IP limit",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popbridge_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popbridge_command_duration_seconds",
			Help:    "Duration of protocol command processing",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"protocol", "command"},
	)

	MessagesRetrievedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popbridge_messages_retrieved_bytes_total",
			Help: "Bytes of materialized messages sent to clients",
		},
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_messages_deleted_total",
			Help: "Messages marked read through DELE, by item kind",
		},
		[]string{"kind"},
	)
)

// Backend metrics
var (
	BackendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_backend_operations_total",
			Help: "Total number of mailbox service operations",
		},
		[]string{"backend", "operation", "status"},
	)

	BackendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popbridge_backend_operation_duration_seconds",
			Help:    "Duration of mailbox service operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popbridge_circuit_breaker_state",
			Help: "Backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popbridge_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popbridge_component_health_checks_total",
			Help: "Health checks run, by resulting status",
		},
		[]string{"component", "status"},
	)
)

// ObserveBackend records the outcome and latency of one backend operation.
func ObserveBackend(backendName, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	BackendOperationsTotal.WithLabelValues(backendName, operation, status).Inc()
	BackendOperationDuration.WithLabelValues(backendName, operation).Observe(time.Since(start).Seconds())
}
