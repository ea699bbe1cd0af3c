package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Project access decisions by policy and result.",
		},
		[]string{"policy", "result"},
	)

	storageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Duration of project storage operations.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"backend", "op", "result"},
	)

	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "project_publish_total",
			Help: "Project publication attempts by result.",
		},
		[]string{"result"},
	)

	taskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_tasks_total",
			Help: "Background tasks processed by kind and result.",
		},
		[]string{"kind", "result"},
	)

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			accessDecisions, storageOpDuration, publishTotal, taskTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAccessDecision counts one access decision.
func ObserveAccessDecision(policy string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	accessDecisions.WithLabelValues(policy, result).Inc()
}

// ObserveStorageOp records the duration of a storage backend operation started at start.
func ObserveStorageOp(backend, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storageOpDuration.WithLabelValues(backend, op, result).Observe(time.Since(start).Seconds())
}

// ObservePublish counts a publication attempt.
func ObservePublish(result string) {
	publishTotal.WithLabelValues(result).Inc()
}

// ObserveTask counts a processed background task.
func ObserveTask(kind, result string) {
	taskTotal.WithLabelValues(kind, result).Inc()
}

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers and file paths so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "projects":
		// /v1/projects/{slug}/{version}[/files/...|/dua|/requests]
		if len(parts) >= 4 {
			out := "/v1/projects/:slug/:version"
			if len(parts) >= 5 {
				out += "/" + parts[4]
				if parts[4] == "files" && len(parts) > 5 {
					out += "/*"
				}
			}
			return out
		}
	case "active":
		if len(parts) >= 3 {
			out := "/v1/active/:id"
			if len(parts) >= 4 {
				out += "/" + parts[3]
				if parts[3] == "files" && len(parts) > 4 {
					out += "/*"
				}
			}
			return out
		}
	case "requests":
		if len(parts) >= 3 {
			out := "/v1/requests/:id"
			if len(parts) >= 4 {
				out += "/" + parts[3]
			}
			return out
		}
	}
	return p
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
