package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Security control plane metrics
var (
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_ratelimit_decisions_total",
			Help: "Rate limiter decisions by route class and outcome.",
		},
		[]string{"class", "outcome"},
	)

	RateLimitDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_ratelimit_degraded",
		Help: "1 while the rate limiter runs on its in-process fallback.",
	})

	AuditBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_audit_backlog",
		Help: "Audit events accepted but not yet persisted.",
	})

	AuditDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_audit_degraded",
		Help: "1 while the audit backlog is above its alert threshold.",
	})

	AuditWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_audit_write_errors_total",
		Help: "Failed audit store writes (each retried).",
	})

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_audit_dropped_total",
		Help: "Audit events lost after the store refused a direct write or the shutdown flush deadline passed.",
	})

	AuditOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_audit_overflow_total",
		Help: "Audit events written directly because the queue was full.",
	})

	MonitorGapsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_monitor_gaps_skipped_total",
		Help: "Audit sequence gaps the monitor stopped waiting for.",
	})

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_total",
			Help: "Alerts raised by the threat monitor.",
		},
		[]string{"rule", "severity"},
	)

	AlertDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alert_delivery_failures_total",
			Help: "Alert deliveries that exhausted their retries or were shed.",
		},
		[]string{"notifier"},
	)

	TokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_tokens_total",
			Help: "Token service operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
)

var registerOnce sync.Once

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			RateLimitDecisions, RateLimitDegraded,
			AuditBacklog, AuditDegraded, AuditWriteErrors, AuditDropped, AuditOverflow,
			AlertsTotal, AlertDeliveryFailures, TokenOps, MonitorGapsSkipped,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. The path label is the
// matched chi route pattern so ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath returns the route pattern for r, or "unmatched".
func CanonicalPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

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
