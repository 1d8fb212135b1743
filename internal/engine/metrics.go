package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Уровни тяжести неудачной записи в аудит
const (
	SeverityCritical = "critical" // потерян след отказа (unaudited_denial)
	SeverityDegraded = "degraded" // потерян след разрешенного действия
)

type Metrics struct {
	// Traffic: решения по этапу, на котором они приняты
	Decisions *prometheus.CounterVec

	// Latency: полный проход запроса через шлюз
	RequestDuration *prometheus.HistogramVec

	// Errors: запись в ledger не удалась
	AuditFailures *prometheus.CounterVec

	// Исходы agent-to-agent вызовов (OK или причина отказа)
	CapabilityOutcomes *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Feed: заполненность буфера живой ленты и потери
	FeedBufferFill prometheus.Gauge
	FeedDrops      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_decisions_total",
			Help: "Terminal gateway decisions by stage and decision.",
		}, []string{"stage", "decision"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uag_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"decision"}),

		AuditFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_audit_failures_total",
			Help: "Failed ledger writes by severity.",
		}, []string{"severity"}),

		CapabilityOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_capability_calls_total",
			Help: "Agent-to-agent capability calls by outcome.",
		}, []string{"target", "capability", "outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "uag_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"connector_id"}),

		FeedBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "uag_audit_feed_buffer_utilization",
			Help: "Current number of events in the audit feed buffer.",
		}),

		FeedDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uag_audit_feed_dropped_total",
			Help: "Events dropped from the live audit feed on overflow.",
		}),
	}
}

// ObserveCapability совместим с capability.Observer
func (m *Metrics) ObserveCapability(target, capability, outcome string) {
	m.CapabilityOutcomes.WithLabelValues(target, capability, outcome).Inc()
}

// FeedQueued и FeedDropped реализуют audit.FeedStats
func (m *Metrics) FeedQueued(n int) {
	m.FeedBufferFill.Set(float64(n))
}

func (m *Metrics) FeedDropped() {
	m.FeedDrops.Inc()
}
