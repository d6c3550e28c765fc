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

// Auth-specific metrics. Labels stay low-cardinality: outcomes and endpoint
// classes, never user identifiers.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	replayDetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_replay_detections_total",
		Help: "Reused refresh tokens that triggered family revocation.",
	})

	blacklistHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_blacklist_hits_total",
		Help: "Access tokens rejected because their jti was blacklisted.",
	})

	rateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter.",
		},
		[]string{"class"},
	)

	apiKeyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_api_key_validations_total",
			Help: "API key validations by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, refreshRotationsTotal, replayDetectionsTotal,
		blacklistHitsTotal, rateLimitDenialsTotal, apiKeyValidationsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin records a login attempt outcome ("ok", "invalid_credentials", "locked", "error").
func ObserveLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// ObserveRefresh records a refresh rotation outcome ("ok", "invalid", "replay", "error").
func ObserveRefresh(outcome string) { refreshRotationsTotal.WithLabelValues(outcome).Inc() }

// ObserveReplayDetected counts a detected refresh-token reuse.
func ObserveReplayDetected() { replayDetectionsTotal.Inc() }

// ObserveBlacklistHit counts a blacklisted access token rejection.
func ObserveBlacklistHit() { blacklistHitsTotal.Inc() }

// ObserveRateLimitDenied counts a rate-limiter denial for the endpoint class.
func ObserveRateLimitDenied(class string) { rateLimitDenialsTotal.WithLabelValues(class).Inc() }

// ObserveAPIKeyValidation records an API key validation outcome.
func ObserveAPIKeyValidation(outcome string) { apiKeyValidationsTotal.WithLabelValues(outcome).Inc() }

// CanonicalPath collapses variable path segments so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segments) >= 3 && segments[0] == "v1" && segments[1] == "oauth":
		segments[2] = ":provider"
	case len(segments) >= 3 && segments[0] == "v1" &&
		(segments[1] == "identities" || segments[1] == "roles" || segments[1] == "service-accounts"):
		segments[2] = ":id"
	default:
		return path
	}
	return "/" + strings.Join(segments, "/")
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses (SSE) working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
