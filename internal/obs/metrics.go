package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

// Auth security signals. Reuse of a rotated refresh token is the one that
// should trip an alert.
var (
	loginFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_login_failures_total",
		Help: "Failed login attempts (bad username or password).",
	})

	tokenReuseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_token_reuse_total",
		Help: "Refresh attempts with a token that was already rotated or revoked.",
	})

	webhookDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_webhook_rejected_total",
		Help: "Uplink webhook requests rejected before decoding.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginFailuresTotal, tokenReuseTotal, webhookDropsTotal,
	)
}

// IncLoginFailure counts a failed credential check.
func IncLoginFailure() { loginFailuresTotal.Inc() }

// IncTokenReuse counts a detected refresh token replay.
func IncTokenReuse() { tokenReuseTotal.Inc() }

// IncWebhookReject counts an uplink rejected by the webhook guard.
func IncWebhookReject() { webhookDropsTotal.Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
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

// CanonicalPath collapses per-device path segments so metric label
// cardinality stays bounded no matter how many devices report in.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "devices":
			if len(parts) == 3 {
				return "/v1/devices/:id"
			}
			if len(parts) == 4 {
				switch parts[3] {
				case "latest", "measurements", "export.csv":
					return "/v1/devices/:id/" + parts[3]
				}
			}
		case "users":
			if len(parts) == 3 {
				return "/v1/users/:id"
			}
		}
	}
	return path
}

// statusWriter records the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
