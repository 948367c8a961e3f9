package audit

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// EventType classifies an audit event.
type EventType string

const (
	TypeAuthentication        EventType = "authentication"
	TypeDataAccess            EventType = "data_access"
	TypeDataModification      EventType = "data_modification"
	TypeAuthorization         EventType = "security_authorization"
	TypeRefreshReuse          EventType = "security_refresh_reuse"
	TypeRateLimit             EventType = "security_ratelimit"
	TypeRateLimitDegraded     EventType = "security_ratelimit_degraded"
	TypeRateLimitRecovered    EventType = "security_ratelimit_recovered"
	TypeAlert                 EventType = "security_alert"
	TypeAuditDegraded         EventType = "security_audit_degraded"
	TypeRequest               EventType = "request"
	TypeTokenRevoked          EventType = "security_token_revoked"
	TypeLockout               EventType = "security_lockout"
	TypeEncryptionKeyRotation EventType = "security_key_rotation"
)

// Outcome is the result recorded for an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// Event is an immutable audit record. SubjectID is empty for pre-auth events.
// EmailIndex is the blind index of the email presented, never the address.
// Seq is assigned by the store on append and is zero before that.
type Event struct {
	Seq        int64          `json:"-"`
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       EventType      `json:"event_type"`
	SubjectID  string         `json:"user_id,omitempty"`
	EmailIndex string         `json:"email_index,omitempty"`
	IP         string         `json:"ip_address,omitempty"`
	Route      string         `json:"endpoint,omitempty"`
	Method     string         `json:"method,omitempty"`
	Outcome    Outcome        `json:"status"`
	UserAgent  string         `json:"user_agent,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Recorder is the write side of the audit log.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, ev Event)

func (f RecorderFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(context.Context, Event) {})

const maxUserAgent = 512

// SanitizeUserAgent strips control characters and caps the length.
func SanitizeUserAgent(ua string) string {
	ua = strings.Map(func(r rune) rune {
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, ua)
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}
	return strings.TrimSpace(ua)
}

type ctxKey struct{}

type requestInfo struct {
	RequestID string
	IP        string
	Route     string
	Method    string
	UserAgent string
}

// WithRequest attaches request metadata that Record copies into events
// lacking their own.
func WithRequest(ctx context.Context, requestID, ip, route, method, userAgent string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestInfo{
		RequestID: strings.TrimSpace(requestID),
		IP:        ip,
		Route:     route,
		Method:    method,
		UserAgent: userAgent,
	})
}

func enrich(ctx context.Context, ev *Event) {
	if ctx == nil {
		return
	}
	info, ok := ctx.Value(ctxKey{}).(requestInfo)
	if !ok {
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = info.RequestID
	}
	if ev.IP == "" {
		ev.IP = info.IP
	}
	if ev.Route == "" {
		ev.Route = info.Route
	}
	if ev.Method == "" {
		ev.Method = info.Method
	}
	if ev.UserAgent == "" {
		ev.UserAgent = info.UserAgent
	}
}
