// Package metrics exposes Prometheus collectors for the screenshot service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive             *prometheus.GaugeVec
	sessionCreatesTotal        *prometheus.CounterVec
	sessionCreateRetriesTotal  *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskRetriesTotal           prometheus.Counter
	backoffDelaySeconds        *prometheus.HistogramVec
	localProcesses             prometheus.Gauge
	artifactsTotal             *prometheus.CounterVec
	artifactBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsActive = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shotfleet_sessions_active",
				Help: "Browser sessions currently in the active state, labeled by kind.",
			},
			[]string{"kind"},
		)

		sessionCreatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shotfleet_session_creates_total",
				Help: "Session creation attempts, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		sessionCreateRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shotfleet_session_create_retries_total",
				Help: "Session creation retries caused by capacity pressure.",
			},
			[]string{"kind"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shotfleet_tasks_total",
				Help: "Finished screenshot tasks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		taskRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shotfleet_task_retries_total",
				Help: "Task retries caused by capacity pressure.",
			},
		)

		backoffDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shotfleet_backoff_delay_seconds",
				Help:    "Backoff sleeps, labeled by policy.",
				Buckets: []float64{1, 2, 4, 8, 16, 30, 60},
			},
			[]string{"policy"},
		)

		localProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shotfleet_local_processes",
				Help: "Locally spawned debuggable browser processes in the registry.",
			},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shotfleet_artifacts_total",
				Help: "Stored screenshot artifacts, labeled by engine and site.",
			},
			[]string{"engine", "site"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shotfleet_artifact_bytes_total",
				Help: "Bytes of stored screenshot artifacts, labeled by engine.",
			},
			[]string{"engine"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shotfleet_rate_limit_delays_seconds",
				Help:    "Histogram of session creation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncActiveSessions marks a session of the given kind active.
func IncActiveSessions(kind string) {
	Init()
	sessionsActive.WithLabelValues(kind).Inc()
}

// DecActiveSessions marks a session of the given kind closed.
func DecActiveSessions(kind string) {
	Init()
	sessionsActive.WithLabelValues(kind).Dec()
}

// ObserveSessionCreate counts one creation attempt.
func ObserveSessionCreate(kind, outcome string) {
	Init()
	sessionCreatesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSessionCreateRetry counts a capacity-driven creation retry.
func ObserveSessionCreateRetry(kind string) {
	Init()
	sessionCreateRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveTask counts a finished task.
func ObserveTask(outcome string) {
	Init()
	tasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveTaskRetry counts a capacity-driven task retry.
func ObserveTaskRetry() {
	Init()
	taskRetriesTotal.Inc()
}

// ObserveBackoff records a backoff sleep for the named policy.
func ObserveBackoff(policy string, d time.Duration) {
	Init()
	backoffDelaySeconds.WithLabelValues(policy).Observe(d.Seconds())
}

// SetLocalProcesses sets the registry size gauge.
func SetLocalProcesses(n int) {
	Init()
	localProcesses.Set(float64(n))
}

// ObserveArtifact counts a stored artifact.
func ObserveArtifact(engine, site string, size int) {
	Init()
	artifactsTotal.WithLabelValues(engine, SanitizeSite(site)).Inc()
	if size > 0 {
		artifactBytesTotal.WithLabelValues(engine).Add(float64(size))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}
