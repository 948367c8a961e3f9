// Package ratelimit admits or rejects requests in two tiers: a per-route token
// bucket for bursts and a sliding-window quota per caller key.
package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"mawney.org/sentinel/internal/secerr"
)

// Class groups routes that share a quota.
type Class string

const (
	ClassDefault Class = "default"
	ClassAuth    Class = "auth"
	ClassExport  Class = "export"
	ClassUpload  Class = "upload"
)

// Window is one sliding-window quota: at most Limit hits per Period.
type Window struct {
	Limit  int
	Period time.Duration
}

// Policy maps each class to the windows that must all admit a hit.
type Policy map[Class][]Window

// DefaultPolicy returns the stock quotas.
func DefaultPolicy() Policy {
	return Policy{
		ClassDefault: {{Limit: 100, Period: time.Minute}, {Limit: 1000, Period: time.Hour}},
		ClassAuth:    {{Limit: 5, Period: time.Minute}},
		ClassExport:  {{Limit: 1, Period: time.Hour}},
		ClassUpload:  {{Limit: 10, Period: time.Minute}},
	}
}

// Validate rejects empty classes and non-positive windows.
func (p Policy) Validate() error {
	if len(p[ClassDefault]) == 0 {
		return fmt.Errorf("%w: rate limit policy needs a default class", secerr.ErrInvalidInput)
	}
	for class, windows := range p {
		if len(windows) == 0 {
			return fmt.Errorf("%w: class %s has no windows", secerr.ErrInvalidInput, class)
		}
		for _, w := range windows {
			if w.Limit <= 0 || w.Period <= 0 {
				return fmt.Errorf("%w: class %s has a non-positive window", secerr.ErrInvalidInput, class)
			}
		}
	}
	return nil
}

func (p Policy) windows(class Class) []Window {
	if w, ok := p[class]; ok {
		return w
	}
	return p[ClassDefault]
}

// KeyStrategy decides how a caller is keyed.
type KeyStrategy string

const (
	// KeyAuto keys by IP before authentication and by subject after.
	KeyAuto      KeyStrategy = "auto"
	KeyIP        KeyStrategy = "ip"
	KeySubject   KeyStrategy = "subject"
	KeySubjectIP KeyStrategy = "subject_ip"
)

// ParseKeyStrategy accepts the strategy names, case-insensitively.
func ParseKeyStrategy(s string) (KeyStrategy, error) {
	switch k := KeyStrategy(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KeyAuto, nil
	case KeyAuto, KeyIP, KeySubject, KeySubjectIP:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown rate limit key strategy %q", secerr.ErrInvalidInput, s)
	}
}

// Key builds the counter key for a caller. subjectID is empty before
// authentication; strategies that need it fall back to the IP.
func (k KeyStrategy) Key(subjectID, ip string) string {
	switch {
	case k == KeyIP || subjectID == "":
		return "ip:" + ip
	case k == KeySubjectIP:
		return "sub:" + subjectID + "|ip:" + ip
	default:
		return "sub:" + subjectID
	}
}
