package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mawney.org/sentinel/internal/secerr"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Store persists audit events. It offers no way to change or remove an event
// once appended; retention purging lives on Purger.
type Store interface {
	// Append stores events in order. Events whose ID already exists are skipped
	// so a retried batch never duplicates.
	Append(ctx context.Context, events []Event) error
	// Query returns the Limit most recent of one subject's matching events,
	// oldest first. Ties on timestamp are broken by Seq.
	Query(ctx context.Context, q Query) ([]Event, error)
	// Tail returns up to limit events with Seq greater than after, in Seq
	// order. Seq follows commit order only loosely: a concurrent writer may
	// commit a lower Seq after a higher one is visible.
	Tail(ctx context.Context, after int64, limit int) ([]Event, error)
	// SeqBefore returns a Tail cursor that yields every event stamped at or
	// after t.
	SeqBefore(ctx context.Context, t time.Time) (int64, error)
}

// Purger removes events older than a cutoff. Only the retention job uses it.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Query selects events for exactly one subject.
type Query struct {
	SubjectID string
	Since     time.Time
	Until     time.Time
	Type      EventType
	Limit     int
}

// Normalize validates q and applies the default and maximum limit.
func (q Query) Normalize() (Query, error) {
	q.SubjectID = strings.TrimSpace(q.SubjectID)
	if q.SubjectID == "" {
		return q, fmt.Errorf("%w: subject id is required", secerr.ErrInvalidInput)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}
	if !q.Until.IsZero() && !q.Since.IsZero() && q.Until.Before(q.Since) {
		return q, fmt.Errorf("%w: until precedes since", secerr.ErrInvalidInput)
	}
	return q, nil
}

func (q Query) match(ev Event) bool {
	if ev.SubjectID != q.SubjectID {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
		return false
	}
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	return true
}
