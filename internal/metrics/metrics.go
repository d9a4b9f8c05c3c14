package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry          *prometheus.Registry
	movements         *prometheus.CounterVec
	shortfalls        prometheus.Counter
	depletionFailures prometheus.Counter
	lockRetries       *prometheus.CounterVec
	auditDeviation    prometheus.Histogram
	operationLatency  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		movements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_movements_total",
				Help: "Ledger movements written, by type",
			},
			[]string{"type"},
		),
		shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_depletion_shortfalls_total",
			Help: "Depletions that exceeded available batch stock",
		}),
		depletionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_depletion_failures_total",
			Help: "Ingredient depletions that failed inside an order",
		}),
		lockRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_lock_retries_total",
				Help: "Retries caused by ingredient lock contention",
			},
			[]string{"operation"},
		),
		auditDeviation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_deviation_percent",
			Help:    "Deviation between counted and theoretical stock",
			Buckets: []float64{-50, -20, -10, -5, -2, 0, 2, 5, 10, 20, 50},
		}),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inventory_operation_seconds",
				Help:    "Latency of inventory operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(m.movements, m.shortfalls, m.depletionFailures, m.lockRetries, m.auditDeviation, m.operationLatency)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Movement(movementType string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
}

func (m *Metrics) Shortfall() {
	if m == nil {
		return
	}
	m.shortfalls.Inc()
}

func (m *Metrics) DepletionFailure() {
	if m == nil {
		return
	}
	m.depletionFailures.Inc()
}

func (m *Metrics) LockRetry(operation string) {
	if m == nil {
		return
	}
	m.lockRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Deviation(percent float64) {
	if m == nil {
		return
	}
	m.auditDeviation.Observe(percent)
}

// Since records the latency of operation started at start.
func (m *Metrics) Since(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
