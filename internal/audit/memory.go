package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
)

// MemoryStore keeps events in insertion order, each stamped with the next
// sequence number. Used in tests and when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	index  map[string]struct{}
	seq    int64

	// FailAppend, when set, is returned by Append. Tests flip it to simulate
	// an unavailable backend.
	FailAppend func() error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		if err := s.FailAppend(); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if _, ok := s.index[ev.ID]; ok {
			continue
		}
		s.index[ev.ID] = struct{}{}
		s.seq++
		ev = cloneEvent(ev)
		ev.Seq = s.seq
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Event, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if !q.match(ev) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) Tail(ctx context.Context, after int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > after })
	end := i + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	out := make([]Event, 0, end-i)
	for _, ev := range s.events[i:end] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (s *MemoryStore) SeqBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	first := int64(0)
	for _, ev := range s.events {
		if !ev.Timestamp.Before(t) && (first == 0 || ev.Seq < first) {
			first = ev.Seq
		}
	}
	if first == 0 {
		return s.seq, nil
	}
	return first - 1, nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.Timestamp.Before(before) {
			delete(s.index, ev.ID)
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneEvent(ev Event) Event {
	if ev.Details != nil {
		d := make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			d[k] = v
		}
		ev.Details = d
	}
	return ev
}
