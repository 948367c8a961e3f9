package monitor

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"mawney.org/sentinel/internal/audit"
)

// Rule is one detection rule. Evaluate is called for every audit event in
// log order from a single goroutine, so rules keep their state unlocked.
type Rule interface {
	ID() string
	Evaluate(ev audit.Event) []Alert
}

// Thresholds tune the stock rules. Zero fields take the defaults.
type Thresholds struct {
	FailedLogins      int
	FailedLoginWindow time.Duration
	LockoutAttempts   int
	LockoutWindow     time.Duration
	LockoutDuration   time.Duration
	BlockDuration     time.Duration
	LargeExport       int
	RapidRequests     int
	RapidWindow       time.Duration
	WorkdayStartHour  int
	WorkdayEndHour    int
}

func (t Thresholds) withDefaults() Thresholds {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	defDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.FailedLogins, 5)
	defDur(&t.FailedLoginWindow, 5*time.Minute)
	def(&t.LockoutAttempts, 10)
	defDur(&t.LockoutWindow, 15*time.Minute)
	defDur(&t.LockoutDuration, 15*time.Minute)
	defDur(&t.BlockDuration, time.Hour)
	def(&t.LargeExport, 1000)
	def(&t.RapidRequests, 100)
	defDur(&t.RapidWindow, time.Minute)
	def(&t.WorkdayStartHour, 6)
	def(&t.WorkdayEndHour, 22)
	return t
}

// DefaultRules returns every stock rule tuned by th.
func DefaultRules(th Thresholds) []Rule {
	th = th.withDefaults()
	return []Rule{
		NewBruteForce(th),
		NewInjection(th.BlockDuration),
		NewBulkExport(th.LargeExport),
		RefreshReuse{},
		NewRapidRequests(th.RapidRequests, th.RapidWindow),
		NewUnusualHours(th.WorkdayStartHour, th.WorkdayEndHour),
	}
}

type hit struct {
	at time.Time
	id string
}

// tracker is a sliding log of hits per key with a per-key cooldown so a
// sustained condition alerts once per window.
type tracker struct {
	window   time.Duration
	hits     map[string][]hit
	cooldown map[string]time.Time
	adds     int
}

func newTracker(window time.Duration) *tracker {
	return &tracker{window: window, hits: make(map[string][]hit), cooldown: make(map[string]time.Time)}
}

func (t *tracker) add(key string, at time.Time, id string) []hit {
	cutoff := at.Add(-t.window)
	log := t.hits[key]
	i := 0
	for i < len(log) && !log[i].at.After(cutoff) {
		i++
	}
	log = append(log[i:], hit{at: at, id: id})
	t.hits[key] = log
	if t.adds++; t.adds%1024 == 0 {
		t.sweep(at)
	}
	return log
}

// fire reports whether key may alert at time at, and starts its cooldown.
func (t *tracker) fire(key string, at time.Time) bool {
	if until, ok := t.cooldown[key]; ok && at.Before(until) {
		return false
	}
	t.cooldown[key] = at.Add(t.window)
	return true
}

func (t *tracker) sweep(now time.Time) {
	cutoff := now.Add(-t.window)
	for k, log := range t.hits {
		if len(log) == 0 || !log[len(log)-1].at.After(cutoff) {
			delete(t.hits, k)
		}
	}
	for k, until := range t.cooldown {
		if !now.Before(until) {
			delete(t.cooldown, k)
		}
	}
}

func eventIDs(hits []hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// BruteForce watches failed authentications per subject, email index and IP.
type BruteForce struct {
	th    Thresholds
	alert *tracker
	lock  *tracker
}

func NewBruteForce(th Thresholds) *BruteForce {
	th = th.withDefaults()
	return &BruteForce{th: th, alert: newTracker(th.FailedLoginWindow), lock: newTracker(th.LockoutWindow)}
}

func (r *BruteForce) ID() string { return "brute_force" }

func (r *BruteForce) Evaluate(ev audit.Event) []Alert {
	if ev.Type != audit.TypeAuthentication || ev.Outcome != audit.OutcomeFailure {
		return nil
	}
	var keys []string
	if ev.SubjectID != "" {
		keys = append(keys, "subject:"+ev.SubjectID)
	}
	if ev.EmailIndex != "" {
		keys = append(keys, "email:"+ev.EmailIndex)
	}
	if ev.IP != "" {
		keys = append(keys, "ip:"+ev.IP)
	}

	var out []Alert
	for _, key := range keys {
		short := r.alert.add(key, ev.Timestamp, ev.ID)
		long := r.lock.add(key, ev.Timestamp, ev.ID)
		if len(long) >= r.th.LockoutAttempts && r.lock.fire(key, ev.Timestamp) {
			out = append(out, Alert{
				RuleID:    r.ID(),
				Severity:  SeverityHigh,
				SubjectID: ev.SubjectID,
				IP:        ev.IP,
				Message:   fmt.Sprintf("%d failed logins for %s within %s, locking out", len(long), key, r.th.LockoutWindow),
				EventIDs:  eventIDs(long),
				Actions:   []Action{{Kind: ActionLockout, Key: key, Until: ev.Timestamp.Add(r.th.LockoutDuration)}},
			})
			continue
		}
		if len(short) >= r.th.FailedLogins && r.alert.fire(key, ev.Timestamp) {
			out = append(out, Alert{
				RuleID:    r.ID(),
				Severity:  SeverityHigh,
				SubjectID: ev.SubjectID,
				IP:        ev.IP,
				Message:   fmt.Sprintf("%d failed logins for %s within %s", len(short), key, r.th.FailedLoginWindow),
				EventIDs:  eventIDs(short),
			})
		}
	}
	return out
}

var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\b.+\bselect\b|\bselect\b.+\bfrom\b|\b(drop|alter|truncate)\s+table\b|\binsert\s+into\b|\bor\b\s+['"]?\w+['"]?\s*=\s*['"]?\w+|'\s*(or|and)\s+'|;\s*(drop|delete|update|insert)\b|--\s*$|/\*.*\*/)`)},
	{"xss", regexp.MustCompile(`(?i)(<\s*script|javascript:|\bon(error|load)\s*=|<\s*iframe)`)},
	{"path_traversal", regexp.MustCompile(`(?i)(\.\./|\.\.\\|/etc/passwd|c:\\windows)`)},
	{"command_injection", regexp.MustCompile("(\\$\\([^)]*\\)|`[^`]*`|;\\s*(cat|ls|rm|curl|wget|sh|bash)\\b|\\|\\s*(sh|bash|nc)\\b)")},
}

// Injection flags SQL, XSS, path traversal and command injection signatures
// in request paths and parameters, and hints the gateway to block the IP.
type Injection struct {
	block    time.Duration
	cooldown *tracker
}

func NewInjection(block time.Duration) *Injection {
	if block <= 0 {
		block = time.Hour
	}
	return &Injection{block: block, cooldown: newTracker(time.Minute)}
}

func (r *Injection) ID() string { return "injection" }

func (r *Injection) Evaluate(ev audit.Event) []Alert {
	candidates := []string{ev.Route}
	for _, field := range []string{"query", "params", "path"} {
		if s, ok := ev.Details[field].(string); ok && s != "" {
			candidates = append(candidates, s)
		}
	}
	for _, text := range candidates {
		if text == "" {
			continue
		}
		if decoded, err := url.QueryUnescape(text); err == nil {
			text = decoded
		}
		for _, p := range injectionPatterns {
			if !p.re.MatchString(text) {
				continue
			}
			key := ev.IP
			if key == "" {
				key = ev.SubjectID
			}
			if !r.cooldown.fire(p.name+"|"+key, ev.Timestamp) {
				return nil
			}
			a := Alert{
				RuleID:    r.ID(),
				Severity:  SeverityCritical,
				SubjectID: ev.SubjectID,
				IP:        ev.IP,
				Message:   fmt.Sprintf("%s signature in request to %s", p.name, ev.Route),
				EventIDs:  []string{ev.ID},
			}
			if ev.IP != "" {
				a.Actions = []Action{{Kind: ActionBlock, Key: ev.IP, Until: ev.Timestamp.Add(r.block)}}
			}
			return []Alert{a}
		}
	}
	return nil
}

// BulkExport flags data exports above a record count. Informational only.
type BulkExport struct{ threshold int }

func NewBulkExport(threshold int) BulkExport {
	if threshold <= 0 {
		threshold = 1000
	}
	return BulkExport{threshold: threshold}
}

func (BulkExport) ID() string { return "bulk_export" }

func (r BulkExport) Evaluate(ev audit.Event) []Alert {
	if ev.Type != audit.TypeDataAccess {
		return nil
	}
	n, ok := asInt(ev.Details["record_count"])
	if !ok || n <= int64(r.threshold) {
		return nil
	}
	return []Alert{{
		RuleID:    r.ID(),
		Severity:  SeverityMedium,
		SubjectID: ev.SubjectID,
		IP:        ev.IP,
		Message:   fmt.Sprintf("large data export: %d records", n),
		EventIDs:  []string{ev.ID},
	}}
}

// RefreshReuse routes refresh token reuse detections. The token service has
// already revoked the lineage.
type RefreshReuse struct{}

func (RefreshReuse) ID() string { return "refresh_reuse" }

func (r RefreshReuse) Evaluate(ev audit.Event) []Alert {
	if ev.Type != audit.TypeRefreshReuse {
		return nil
	}
	sid, _ := ev.Details["sid"].(string)
	return []Alert{{
		RuleID:    r.ID(),
		Severity:  SeverityCritical,
		SubjectID: ev.SubjectID,
		IP:        ev.IP,
		Message:   fmt.Sprintf("refresh token reuse detected, lineage %s revoked", sid),
		EventIDs:  []string{ev.ID},
	}}
}

// RapidRequests flags callers issuing more requests than a human would.
type RapidRequests struct {
	limit   int
	tracker *tracker
}

func NewRapidRequests(limit int, window time.Duration) *RapidRequests {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RapidRequests{limit: limit, tracker: newTracker(window)}
}

func (r *RapidRequests) ID() string { return "rapid_requests" }

func (r *RapidRequests) Evaluate(ev audit.Event) []Alert {
	if ev.Type != audit.TypeRequest {
		return nil
	}
	key := "subject:" + ev.SubjectID
	if ev.SubjectID == "" {
		if ev.IP == "" {
			return nil
		}
		key = "ip:" + ev.IP
	}
	hits := r.tracker.add(key, ev.Timestamp, ev.ID)
	if len(hits) < r.limit || !r.tracker.fire(key, ev.Timestamp) {
		return nil
	}
	return []Alert{{
		RuleID:    r.ID(),
		Severity:  SeverityMedium,
		SubjectID: ev.SubjectID,
		IP:        ev.IP,
		Message:   fmt.Sprintf("%d requests from %s within %s", len(hits), key, r.tracker.window),
		EventIDs:  []string{hits[0].id, hits[len(hits)-1].id},
	}}
}

// UnusualHours flags successful logins outside the UTC working day.
type UnusualHours struct{ start, end int }

func NewUnusualHours(start, end int) UnusualHours {
	if start < 0 || start > 23 {
		start = 6
	}
	if end <= start || end > 24 {
		end = 22
	}
	return UnusualHours{start: start, end: end}
}

func (UnusualHours) ID() string { return "unusual_hours" }

func (r UnusualHours) Evaluate(ev audit.Event) []Alert {
	if ev.Type != audit.TypeAuthentication || ev.Outcome != audit.OutcomeSuccess {
		return nil
	}
	hour := ev.Timestamp.UTC().Hour()
	if hour >= r.start && hour < r.end {
		return nil
	}
	return []Alert{{
		RuleID:    r.ID(),
		Severity:  SeverityLow,
		SubjectID: ev.SubjectID,
		IP:        ev.IP,
		Message:   fmt.Sprintf("login at %02d:00 UTC, outside %02d:00-%02d:00", hour, r.start, r.end),
		EventIDs:  []string{ev.ID},
	}}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
