// Package monitor is the threat monitor. It tails the audit log, runs
// detection rules over trailing windows, records and fans out alerts, and
// feeds lockout and block actions back to the token service and gateway.
package monitor

import (
	"sync"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ActionKind names a feedback action.
type ActionKind string

const (
	// ActionLockout denies token issue for Key until Until.
	ActionLockout ActionKind = "lockout"
	// ActionBlock rejects requests from the IP in Key until Until.
	ActionBlock ActionKind = "block"
)

// Action is a feedback action attached to an alert.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Key   string     `json:"key"`
	Until time.Time  `json:"until"`
}

// Alert is derived from one or more audit events by a rule.
type Alert struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	Severity  Severity  `json:"severity"`
	SubjectID string    `json:"user_id,omitempty"`
	IP        string    `json:"ip_address,omitempty"`
	Message   string    `json:"message"`
	EventIDs  []string  `json:"event_ids"`
	CreatedAt time.Time `json:"created_at"`
	Actions   []Action  `json:"actions,omitempty"`
}

// History keeps the most recent alerts in a fixed-size ring.
type History struct {
	mu    sync.RWMutex
	items []Alert
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 500
	}
	return &History{items: make([]Alert, size)}
}

func (h *History) Add(a Alert) {
	h.mu.Lock()
	h.items[h.next] = a
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Recent returns up to limit alerts, newest first.
func (h *History) Recent(limit int) []Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.next
	if h.full {
		n = len(h.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}
