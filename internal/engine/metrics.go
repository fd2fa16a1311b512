package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность прогона целиком (чтение, свертка, запись)
	RunDuration *prometheus.HistogramVec

	// Traffic: завершенные прогоны по итоговому статусу
	RunsTotal *prometheus.CounterVec

	// Записи журнала по варианту (valid, malformed, gap, unknown)
	RecordsTotal *prometheus.CounterVec

	HighlightsTotal *prometheus.CounterVec
	ViolationsTotal *prometheus.CounterVec

	// Errors: сбои внешних приемников (redis, postgres)
	SinkErrors *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightrec_run_duration_seconds",
			Help:    "Histogram of recorder run latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flightrec_runs_total",
			Help: "Total number of recorder runs by outcome.",
		}, []string{"status"}), // OBSERVED, ATTENTION, ATTENTION_WITH_GAPS, failed

		RecordsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flightrec_records_total",
			Help: "Total number of flight log lines by record kind.",
		}, []string{"kind"}),

		HighlightsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flightrec_highlights_total",
			Help: "Total number of highlight occurrences by tag.",
		}, []string{"tag"}),

		ViolationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flightrec_policy_violations_total",
			Help: "Total number of advisory policy violations by rule.",
		}, []string{"rule"}),

		SinkErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "flightrec_sink_errors_total",
			Help: "Total number of failed deliveries to external sinks.",
		}, []string{"sink"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "flightrec_circuit_breaker_state",
			Help: "Current state of the sink circuit breaker (0=closed, 1=open).",
		}, []string{"sink"}),
	}
}
