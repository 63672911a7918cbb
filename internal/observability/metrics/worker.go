package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	stepTotal     *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepInFlight  *prometheus.GaugeVec
	stepRetries   *prometheus.CounterVec
	queueLag      *prometheus.HistogramVec
	stuckResets   *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stepTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "step_total",
			Help:      "Total executed pipeline steps by step and status.",
		},
		[]string{"service", "step", "status"},
	)
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "step_duration_seconds",
			Help:      "Pipeline step duration in seconds by step and status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 900},
		},
		[]string{"service", "step", "status"},
	)
	stepInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "step_in_flight",
			Help:      "Number of pipeline steps currently executing.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"step"},
	)
	stepRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "step_retries_total",
			Help:      "Step attempts repeated after a temporary failure.",
		},
		[]string{"service", "step"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between step dispatch and execution start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	stuckResets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "stuck_resets_total",
			Help:      "Documents reset by the stuck sweep.",
		},
		[]string{"service"},
	)
	sweepFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "worker",
			Name:      "sweep_failures_total",
			Help:      "Stuck sweeps that finished with errors.",
		},
		[]string{"service"},
	)

	registry.MustRegister(stepTotal, stepDuration, stepInFlight, stepRetries, queueLag, stuckResets, sweepFailures)

	return &WorkerMetrics{
		registry:      registry,
		stepTotal:     stepTotal,
		stepDuration:  stepDuration,
		stepInFlight:  stepInFlight,
		stepRetries:   stepRetries,
		queueLag:      queueLag,
		stuckResets:   stuckResets,
		sweepFailures: sweepFailures,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartStep(step string) {
	m.stepInFlight.WithLabelValues(step).Inc()
}

func (m *WorkerMetrics) FinishStep(service, step string, duration time.Duration, err error) {
	m.stepInFlight.WithLabelValues(step).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.stepTotal.WithLabelValues(service, step, status).Inc()
	m.stepDuration.WithLabelValues(service, step, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) RecordRetry(service, step string) {
	m.stepRetries.WithLabelValues(service, step).Inc()
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) RecordSweep(service string, reset int, err error) {
	if reset > 0 {
		m.stuckResets.WithLabelValues(service).Add(float64(reset))
	}
	if err != nil {
		m.sweepFailures.WithLabelValues(service).Inc()
	}
}
