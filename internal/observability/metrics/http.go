package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadsTotal         *prometheus.CounterVec
	pipelineActionsTotal *prometheus.CounterVec
	searchTotal          *prometheus.CounterVec
	searchSources        *prometheus.HistogramVec
	searchDuration       *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archive",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "archive",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "documents",
			Name:      "uploads_total",
			Help:      "Document uploads by outcome.",
		},
		[]string{"service", "outcome"},
	)
	pipelineActionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "pipeline",
			Name:      "manual_actions_total",
			Help:      "Operator-triggered pipeline actions by kind and outcome.",
		},
		[]string{"service", "action", "outcome"},
	)
	searchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archive",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Successful searches by retrieval mode.",
		},
		[]string{"service", "mode"},
	)
	searchSources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archive",
			Subsystem: "search",
			Name:      "sources",
			Help:      "Distribution of source documents per search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
		[]string{"service"},
	)
	searchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archive",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search duration in seconds, answer generation included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		uploadsTotal,
		pipelineActionsTotal,
		searchTotal,
		searchSources,
		searchDuration,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		uploadsTotal:         uploadsTotal,
		pipelineActionsTotal: pipelineActionsTotal,
		searchTotal:          searchTotal,
		searchSources:        searchSources,
		searchDuration:       searchDuration,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps document ids and page numbers out of metric labels.
func normalizePath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/documents/")
	if !ok || rest == "" {
		return path
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		return "/v1/documents/{id}"
	case len(parts) >= 2 && parts[1] == "preview":
		return "/v1/documents/{id}/preview/{page}"
	default:
		return "/v1/documents/{id}/" + parts[1]
	}
}

func (m *HTTPServerMetrics) RecordUpload(service string, err error) {
	m.uploadsTotal.WithLabelValues(service, outcome(err)).Inc()
}

func (m *HTTPServerMetrics) RecordPipelineAction(service, action string, err error) {
	m.pipelineActionsTotal.WithLabelValues(service, action, outcome(err)).Inc()
}

func (m *HTTPServerMetrics) RecordSearch(service string, keyword bool, sources int, duration time.Duration) {
	mode := "vector"
	if keyword {
		mode = "keyword"
	}
	m.searchTotal.WithLabelValues(service, mode).Inc()
	m.searchSources.WithLabelValues(service).Observe(float64(sources))
	m.searchDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}
