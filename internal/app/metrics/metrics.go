package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wallet_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transferSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_engine",
			Subsystem: "transfers",
			Name:      "submissions_total",
			Help:      "Total number of sponsored user operation submissions.",
		},
		[]string{"kind", "status"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet_engine",
			Subsystem: "transfers",
			Name:      "submission_duration_seconds",
			Help:      "Duration from submission to confirmed receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"kind"},
	)

	savingExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_engine",
			Subsystem: "savings",
			Name:      "executions_total",
			Help:      "Total number of scheduled saving executions.",
		},
		[]string{"status"},
	)

	savingRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wallet_engine",
			Subsystem: "savings",
			Name:      "retries_total",
			Help:      "Total number of failed executions returned to pending.",
		},
	)

	accountDeployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet_engine",
			Subsystem: "accounts",
			Name:      "deployments_total",
			Help:      "Total number of counterfactual account deployments.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transferSubmissions,
		transferDuration,
		savingExecutions,
		savingRetries,
		accountDeployments,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransfer records a sponsored submission outcome.
func RecordTransfer(kind string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	status := "failure"
	if success {
		status = "success"
	}
	transferSubmissions.WithLabelValues(kind, status).Inc()
	transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSavingExecution records the terminal status of a scheduled run.
func RecordSavingExecution(status string) {
	savingExecutions.WithLabelValues(status).Inc()
}

// RecordSavingRetry records a failed execution being rescheduled.
func RecordSavingRetry() {
	savingRetries.Inc()
}

// RecordAccountDeployment records an on-demand smart account deployment.
func RecordAccountDeployment(success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	accountDeployments.WithLabelValues(status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i := range parts {
		if i == 0 {
			continue
		}
		switch parts[i-1] {
		case "plans", "delegations", "executions", "wallets", "users":
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
