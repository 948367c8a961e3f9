package httpapi

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// requestState is shared by the outer middleware and the handlers that learn
// who the caller is.
type requestState struct {
	id      string
	ip      string
	subject string
	owner   string
}

type stateKey struct{}

func stateFrom(ctx context.Context) *requestState {
	if st, ok := ctx.Value(stateKey{}).(*requestState); ok {
		return st
	}
	return &requestState{}
}

// RequestIDFromContext returns the request id assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	return stateFrom(ctx).id
}

// requestID assigns the request id and client IP, and seeds the request logger
// and audit metadata.
func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(requestIDHeader)
		if !validRequestID.MatchString(rid) {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		ip := clientIP(r, a.TrustProxy)
		st := &requestState{id: rid, ip: ip}
		ctx := context.WithValue(r.Context(), stateKey{}, st)
		ctx = obs.ToContext(ctx, obs.L().With(
			obs.RequestID(rid),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			obs.ClientIP(ip),
		))
		ctx = audit.WithRequest(ctx, rid, ip, r.URL.Path, r.Method, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				obs.From(r.Context()).Error("panic", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingJSON writes one request_complete entry per request.
func (a *API) loggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("route", obs.CanonicalPath(r)),
		}
		if sub := stateFrom(r.Context()).subject; sub != "" {
			fields = append(fields, obs.Subject(sub))
		}
		obs.From(r.Context()).Info("request_complete", fields...)
	})
}

// auditRequest records every API request so the monitor can inspect paths and
// parameters. Probes and metrics scrapes are skipped.
func (a *API) auditRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		details := map[string]any{
			"status":      status,
			"path":        r.URL.EscapedPath(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if r.URL.RawQuery != "" {
			details["query"] = r.URL.RawQuery
		}
		a.Audit.Record(r.Context(), audit.Event{
			Type:      audit.TypeRequest,
			SubjectID: stateFrom(r.Context()).subject,
			Route:     r.URL.Path,
			Outcome:   requestOutcome(status),
			Details:   details,
		})
	})
}

func requestOutcome(status int) audit.Outcome {
	switch {
	case status < 400:
		return audit.OutcomeSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return audit.OutcomeBlocked
	default:
		return audit.OutcomeFailure
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	const (
		allowedMethods = "GET,POST,DELETE,OPTIONS"
		allowedHeaders = "Authorization,Content-Type,X-Request-ID"
		exposedHeaders = "Retry-After,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,X-Request-ID"
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")
	}
	for _, o := range a.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

func (a *API) maxBodyBytes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// blockList rejects IPs the monitor flagged.
func (a *API) blockList(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := stateFrom(r.Context())
		if until, blocked := a.Limiter.Blocked(st.ip); blocked {
			secs := int64(time.Until(until).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			writeError(w, r, http.StatusForbidden, "client blocked")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routeBurst is tier one: the shared token bucket for the matched route.
func (a *API) routeBurst(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + routePattern(r)
		if _, err := a.Limiter.AllowRoute(r.Context(), route); err != nil {
			respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit is tier two: the per-caller sliding windows for class. It keys by
// subject once authenticate has run.
func (a *API) limit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := stateFrom(r.Context())
			d, err := a.Limiter.Allow(r.Context(), a.Limiter.Key(st.subject, st.ip), class)
			if err != nil {
				respondError(w, r, err)
				return
			}
			if d.Remaining >= 0 {
				setRateHeaders(w, int64(d.Limit), int64(d.Remaining), d.ResetAt)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, limit, remaining int64, reset time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if !reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// clientIP uses the first X-Forwarded-For hop only behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
