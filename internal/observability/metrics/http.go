package metrics

import (
	"bufio"
	"fmt"
	"net"
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

	askTotal             *prometheus.CounterVec
	askDuration          *prometheus.HistogramVec
	askSources           *prometheus.HistogramVec
	askGenerationFailed  *prometheus.CounterVec
	askDegradedTotal     *prometheus.CounterVec
	memoryHitsTotal      *prometheus.CounterVec
	compressionRunsTotal *prometheus.CounterVec
	snapshotRefreshTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mmrag",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mmrag",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	askTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "pipeline",
			Name:      "ask_total",
			Help:      "Total completed ask pipeline runs.",
		},
		[]string{"service"},
	)
	askDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mmrag",
			Subsystem: "pipeline",
			Name:      "ask_duration_seconds",
			Help:      "End-to-end ask pipeline duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	askSources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mmrag",
			Subsystem: "pipeline",
			Name:      "ask_sources",
			Help:      "Distribution of returned sources per ask.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	askGenerationFailed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "pipeline",
			Name:      "generation_failures_total",
			Help:      "Total ask runs where answer generation failed.",
		},
		[]string{"service"},
	)
	askDegradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "pipeline",
			Name:      "degraded_total",
			Help:      "Total degraded pipeline stages by stage name.",
		},
		[]string{"service", "stage"},
	)
	memoryHitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "memory",
			Name:      "hits_total",
			Help:      "Total retrieved memory hits in ask runs.",
		},
		[]string{"service"},
	)
	compressionRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "memory",
			Name:      "compression_runs_total",
			Help:      "Total memory compression runs by strategy.",
		},
		[]string{"service", "strategy"},
	)
	snapshotRefreshTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mmrag",
			Subsystem: "loader",
			Name:      "snapshot_refresh_total",
			Help:      "Total chunk snapshot refreshes by status.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		askTotal,
		askDuration,
		askSources,
		askGenerationFailed,
		askDegradedTotal,
		memoryHitsTotal,
		compressionRunsTotal,
		snapshotRefreshTotal,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		askTotal:             askTotal,
		askDuration:          askDuration,
		askSources:           askSources,
		askGenerationFailed:  askGenerationFailed,
		askDegradedTotal:     askDegradedTotal,
		memoryHitsTotal:      memoryHitsTotal,
		compressionRunsTotal: compressionRunsTotal,
		snapshotRefreshTotal: snapshotRefreshTotal,
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

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/sessions/") {
		return path
	}
	rest := strings.TrimPrefix(path, "/v1/sessions/")
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "/v1/sessions/{session_id}"
	}
	return "/v1/sessions/{session_id}" + rest[slash:]
}

// RecordAskObservation captures one completed pipeline run: duration,
// returned source count, degraded stages, and memory hits.
func (m *HTTPServerMetrics) RecordAskObservation(service string, sourceCount, memoryHits int, generationFailed bool, degraded []string, duration time.Duration) {
	m.askTotal.WithLabelValues(service).Inc()
	m.askDuration.WithLabelValues(service).Observe(duration.Seconds())
	m.askSources.WithLabelValues(service).Observe(float64(sourceCount))
	if generationFailed {
		m.askGenerationFailed.WithLabelValues(service).Inc()
	}
	for _, stage := range degraded {
		m.askDegradedTotal.WithLabelValues(service, stage).Inc()
	}
	if memoryHits > 0 {
		m.memoryHitsTotal.WithLabelValues(service).Add(float64(memoryHits))
	}
}

func (m *HTTPServerMetrics) RecordCompressionRun(service, strategy string) {
	if strategy == "" {
		strategy = "unknown"
	}
	m.compressionRunsTotal.WithLabelValues(service, strategy).Inc()
}

func (m *HTTPServerMetrics) RecordSnapshotRefresh(service string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.snapshotRefreshTotal.WithLabelValues(service, status).Inc()
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

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
