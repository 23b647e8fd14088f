// Package metrics provides Prometheus metrics for the medication stock services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medstock"

// Metrics holds all application metrics
type Metrics struct {
	StockChanges          *prometheus.CounterVec
	StockChangeFailures   *prometheus.CounterVec
	ComputationDuration   *prometheus.HistogramVec
	LowStockMedications   *prometheus.GaugeVec
	AlertsPublished       *prometheus.CounterVec
	AlertsSuppressed      prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	OutboxDeadLettered    prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg registers with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		StockChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_changes_total",
			Help:      "Committed stock changes by reason",
		}, []string{"reason"}),
		StockChangeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_change_failures_total",
			Help:      "Rejected or failed stock changes by reason",
		}, []string{"reason"}),
		ComputationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "computation_duration_seconds",
			Help:      "Duration of schedule, depletion and streak computations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
		LowStockMedications: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "low_stock_medications",
			Help:      "Medications in the last low-stock listing by level",
		}, []string{"level"}),
		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_published_total",
			Help:      "Low-stock alerts published by level",
		}, []string{"level"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Low-stock alerts skipped as duplicates",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		OutboxDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox entries moved to the dead letter topic",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.StockChanges,
		m.StockChangeFailures,
		m.ComputationDuration,
		m.LowStockMedications,
		m.AlertsPublished,
		m.AlertsSuppressed,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxDeadLettered,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveComputation records how long operation took
func (m *Metrics) ObserveComputation(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.ComputationDuration.WithLabelValues(operation).Observe(seconds)
}

// StockChanged counts a committed or failed stock change
func (m *Metrics) StockChanged(reason string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StockChangeFailures.WithLabelValues(reason).Inc()
		return
	}
	m.StockChanges.WithLabelValues(reason).Inc()
}

// SetLowStock replaces the low-stock gauge with the given per-level counts
func (m *Metrics) SetLowStock(counts map[string]int) {
	if m == nil {
		return
	}
	m.LowStockMedications.Reset()
	for level, n := range counts {
		m.LowStockMedications.WithLabelValues(level).Set(float64(n))
	}
}

// AlertSent counts a published alert, or a suppressed duplicate
func (m *Metrics) AlertSent(level string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.AlertsSuppressed.Inc()
		return
	}
	m.AlertsPublished.WithLabelValues(level).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
