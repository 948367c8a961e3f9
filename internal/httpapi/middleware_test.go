package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mawney.org/sentinel/internal/access"
	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/monitor"
)

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "bad id with spaces")
	rec = httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	got := rec.Header().Get("X-Request-ID")
	if got == "" || got == "bad id with spaces" {
		t.Fatalf("expected generated request id, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Strict-Transport-Security", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Fatalf("missing %s", h)
		}
	}
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowedList(t *testing.T) {
	a := &API{Deps: Deps{AllowedOrigins: []string{"https://app.example.com"}}}
	if !a.originAllowed("https://APP.example.com") {
		t.Fatal("configured origin should match case-insensitively")
	}
	if a.originAllowed("http://localhost:3000") {
		t.Fatal("localhost is only allowed when no origins are configured")
	}
	a.AllowedOrigins = []string{"*"}
	if !a.originAllowed("https://anything.example") {
		t.Fatal("wildcard should allow every origin")
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	deps := env.api.Deps
	deps.MaxBodyBytes = 16
	api, err := New(deps)
	require.NoError(t, err)

	body := strings.NewReader(`{"email":"someone@example.com","password":"long enough"}`)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "too large")
}

func TestRequestOutcome(t *testing.T) {
	cases := map[int]audit.Outcome{
		http.StatusOK:                  audit.OutcomeSuccess,
		http.StatusNoContent:           audit.OutcomeSuccess,
		http.StatusBadRequest:          audit.OutcomeFailure,
		http.StatusUnauthorized:        audit.OutcomeBlocked,
		http.StatusForbidden:           audit.OutcomeBlocked,
		http.StatusTooManyRequests:     audit.OutcomeBlocked,
		http.StatusInternalServerError: audit.OutcomeFailure,
	}
	for status, want := range cases {
		if got := requestOutcome(status); got != want {
			t.Fatalf("status %d: got %s want %s", status, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.5" {
		t.Fatalf("untrusted proxy: got %s", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted proxy: got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "garbage")
	if got := clientIP(req, true); got != "10.0.0.5" {
		t.Fatalf("malformed header should fall back, got %s", got)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || token != tc.token {
			t.Fatalf("%q: got (%q, %v)", tc.header, token, err)
		}
	}
}

func TestOwnershipScoped(t *testing.T) {
	if !ownershipScoped(access.PermReadOwnAuditLogs) {
		t.Fatal("own audit logs should be ownership scoped")
	}
	if ownershipScoped(access.PermReadAlerts) {
		t.Fatal("alerts are not ownership scoped")
	}
}

func TestParseAuditQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/user/audit-logs?limit=25&since=2026-01-02T03:04:05Z&event_type=request", nil)
	q, err := parseAuditQuery(req)
	require.NoError(t, err)
	require.Equal(t, 25, q.Limit)
	require.Equal(t, audit.TypeRequest, q.Type)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), q.Since.UTC())
	require.True(t, q.Until.IsZero())

	for _, raw := range []string{"limit=abc", "limit=100000", "until=tomorrow"} {
		_, err := parseAuditQuery(httptest.NewRequest(http.MethodGet, "/user/audit-logs?"+raw, nil))
		if err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestAlertStream(t *testing.T) {
	env := newTestEnv(t)
	_, adminToken := env.admin()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/admin/alerts/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": stream started\n", line)

	env.hub.Publish(monitor.Alert{ID: "alert-1", RuleID: "brute_force", Severity: monitor.SeverityHigh})
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			break
		}
	}
	require.Equal(t, "id: alert-1\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: alert\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"rule_id":"brute_force"`)
}

func TestAlertStreamRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	_, token, _ := env.register("ivan@example.com")
	resp := env.do(http.MethodGet, "/admin/alerts/stream", token, nil)
	require.Equal(t, http.StatusForbidden, resp.status)
}
