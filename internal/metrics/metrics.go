package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"stateline/internal/engine/auth"
	"stateline/internal/store"
)

const namespace = "stateline"

// Metrics holds all application metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoreOperationsTotal *prometheus.CounterVec
	StoreConflictsTotal  *prometheus.CounterVec

	TransitionChecksTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	logger     *zap.Logger
}

// NewWithRegistry creates and registers all metrics with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	factory := promauto.With(registerer)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		StoreOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Store operations by resource, operation and outcome",
			},
			[]string{"resource", "operation", "outcome"},
		),
		StoreConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_conflicts_total",
				Help:      "Writes rejected by a unique key among live rows",
			},
			[]string{"resource", "key"},
		),
		TransitionChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transition_checks_total",
				Help:      "State transition checks by result and deciding rule",
			},
			[]string{"result", "reason"},
		),
		registerer: registerer,
		logger:     logger,
	}
}

// RegisterDB exports connection pool statistics for conn.
func (m *Metrics) RegisterDB(conn *sql.DB, name string) error {
	if m == nil {
		return nil
	}
	return m.registerer.Register(collectors.NewDBStatsCollector(conn, name))
}

// RecordStoreOp counts one store operation. Safe on a nil receiver.
func (m *Metrics) RecordStoreOp(resource, operation string, err error) {
	if m == nil {
		return
	}
	m.safeExecute("RecordStoreOp", func() {
		m.StoreOperationsTotal.WithLabelValues(resource, operation, Outcome(err)).Inc()
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			m.StoreConflictsTotal.WithLabelValues(resource, conflict.Key).Inc()
		}
	})
}

func (m *Metrics) RecordTransitionCheck(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.safeExecute("RecordTransitionCheck", func() {
		result := "denied"
		if allowed {
			result = "allowed"
		}
		m.TransitionChecksTotal.WithLabelValues(result, reason).Inc()
	})
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.safeExecute("RecordHTTPRequest", func() {
		m.HTTPRequestsTotal.WithLabelValues(method, endpoint, categorizeStatus(statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	})
}

// Outcome buckets an operation error into a low cardinality label.
func Outcome(err error) string {
	var forbidden auth.ForbiddenError
	switch {
	case err == nil:
		return "ok"
	case store.IsNotFound(err):
		return "not_found"
	case store.IsConflict(err):
		return "conflict"
	case store.IsValidation(err):
		return "invalid"
	case store.IsUnavailable(err):
		return "unavailable"
	case errors.As(err, &forbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// categorizeStatus converts status code to category (2xx, 3xx, 4xx, 5xx).
func categorizeStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// ShouldSkipEndpoint checks if endpoint should be excluded from metrics.
func ShouldSkipEndpoint(path string) bool {
	return path == "/metrics" || path == "/health"
}

// safeExecute wraps metric operations with panic recovery.
func (m *Metrics) safeExecute(operation string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in metrics operation",
				zap.String("operation", operation),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
