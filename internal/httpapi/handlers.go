// Package httpapi exposes the security control plane over HTTP: the auth
// routes, the subject self-service routes and the operator routes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/auth"
	"mawney.org/sentinel/internal/credential"
	"mawney.org/sentinel/internal/monitor"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/ratelimit"
	"mawney.org/sentinel/internal/secerr"
	"mawney.org/sentinel/internal/stream"
)

const serviceName = "sentinel"

// AuditLog is the part of the audit log the API reads and writes.
type AuditLog interface {
	audit.Recorder
	Query(ctx context.Context, q audit.Query) ([]audit.Event, error)
	Degraded() bool
}

// Pinger checks one backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadyProbe checks the durable backends behind the API.
type ReadyProbe struct {
	DB    *sql.DB
	Redis Pinger
	Audit interface{ Degraded() bool }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return errors.New("database unavailable")
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return errors.New("redis unavailable")
		}
	}
	if rp.Audit != nil && rp.Audit.Degraded() {
		return secerr.ErrAuditDegraded
	}
	return nil
}

// Deps are the collaborators the API routes into.
type Deps struct {
	Tokens      *auth.Service
	Credentials *credential.Service
	Evaluator   *access.Evaluator
	Limiter     *ratelimit.Limiter
	Audit       AuditLog
	Alerts      *monitor.History
	AlertStream *stream.Hub[monitor.Alert]
	Ready       ReadyProbe
	Version     string

	AllowedOrigins    []string
	MaxBodyBytes      int64
	TrustProxy        bool
	DeletionRetention time.Duration
}

// API is the HTTP layer.
type API struct {
	Deps
	router chi.Router
	now    func() time.Time
}

// New wires the router. Tokens, Credentials, Limiter and Audit are required.
func New(deps Deps) (*API, error) {
	if deps.Tokens == nil || deps.Credentials == nil || deps.Limiter == nil || deps.Audit == nil {
		return nil, errors.New("httpapi.New: tokens, credentials, limiter and audit are required")
	}
	if deps.Evaluator == nil {
		deps.Evaluator = access.NewEvaluator(deps.Audit)
	}
	if deps.Alerts == nil {
		deps.Alerts = monitor.NewHistory(0)
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.DeletionRetention <= 0 {
		deps.DeletionRetention = 30 * 24 * time.Hour
	}
	a := &API{Deps: deps, now: time.Now}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		a.requestID,
		a.recoverer,
		a.loggingJSON,
		securityHeaders,
		a.cors,
		a.maxBodyBytes,
		obs.Instrument,
		a.blockList,
		a.auditRequest,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Readyz)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	// Groups are inline, so their middleware sees the full route pattern.
	r.Group(func(r chi.Router) {
		r.Use(a.routeBurst, a.limit(ratelimit.ClassAuth))
		r.Post("/auth/register", a.handleRegister)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/refresh", a.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.routeBurst, a.authenticate)
		r.With(a.limit(ratelimit.ClassDefault)).Post("/auth/logout", a.handleLogout)
		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermReadOwnProfile)).
			Get("/user/profile", a.handleProfile)
		r.With(a.limit(ratelimit.ClassExport), a.requirePermission(access.PermExportOwnData)).
			Get("/user/data-export", a.handleDataExport)
		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermReadOwnAuditLogs)).
			Get("/user/audit-logs", a.handleAuditLogs)
		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermDeleteOwnData)).
			Delete("/user/data-delete", a.handleDataDelete)

		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermReadAlerts)).
			Get("/admin/alerts", a.handleAlerts)
		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermReadAlerts)).
			Get("/admin/alerts/stream", a.handleAlertStream)
		r.With(a.limit(ratelimit.ClassDefault), a.requirePermission(access.PermWriteRevocations)).
			Post("/admin/revocations", a.handleRevocation)
	})
	return r
}

// --- Health ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+serviceName+`"`)
	}
	writeJSON(w, code, payload)
}

// respondError maps err through the taxonomy. Unexpected errors are logged and
// reported as internal.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *secerr.RateLimitError
	if errors.As(err, &rl) {
		setRateHeaders(w, rl.Limit, rl.Remaining, rl.ResetAt)
		w.Header().Set("Retry-After", rl.RetryAfterSeconds())
	}
	code := secerr.HTTPStatus(err)
	msg := secerr.PublicMessage(err)
	if code == http.StatusInternalServerError {
		obs.From(r.Context()).Error("request failed", obs.Err(err))
	}
	writeError(w, r, code, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooBig):
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
