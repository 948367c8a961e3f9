package ratelimit

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// HitResult is a backend's verdict for one hit.
type HitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Backend stores sliding-window logs. Hit checks every window and records the
// hit in all of them as one atomic unit, or records nothing.
type Backend interface {
	Hit(ctx context.Context, key string, windows []Window, now time.Time) (HitResult, error)
}

type sweeper interface {
	Sweep(now time.Time, maxPeriod time.Duration) int
}

const memoryShards = 64

// MemoryBackend is a process-local Backend.
type MemoryBackend struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	for i := range m.shards {
		m.shards[i].logs = make(map[string][]time.Time)
	}
	return m
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%memoryShards]
}

func (m *MemoryBackend) Hit(_ context.Context, key string, windows []Window, now time.Time) (HitResult, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	logs := make([][]time.Time, len(windows))
	res := HitResult{Allowed: true, Remaining: -1}
	for i, w := range windows {
		wk := windowKey(key, i, w)
		log := prune(sh.logs[wk], now.Add(-w.Period))
		sh.logs[wk] = log
		logs[i] = log
		if len(log) >= w.Limit {
			retry := log[len(log)-w.Limit].Add(w.Period).Sub(now)
			if !res.Allowed && retry <= res.RetryAfter {
				continue
			}
			res.Allowed = false
			res.Limit = w.Limit
			res.Remaining = 0
			res.RetryAfter = retry
			res.ResetAt = now.Add(retry)
		}
	}
	if !res.Allowed {
		return res, nil
	}
	for i, w := range windows {
		wk := windowKey(key, i, w)
		sh.logs[wk] = append(logs[i], now)
		remaining := w.Limit - len(sh.logs[wk])
		if res.Remaining < 0 || remaining < res.Remaining {
			res.Limit = w.Limit
			res.Remaining = remaining
			res.ResetAt = sh.logs[wk][0].Add(w.Period)
		}
	}
	return res, nil
}

// Sweep drops logs with no hits newer than maxPeriod.
func (m *MemoryBackend) Sweep(now time.Time, maxPeriod time.Duration) int {
	cutoff := now.Add(-maxPeriod)
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for k, log := range sh.logs {
			if len(log) == 0 || !log[len(log)-1].After(cutoff) {
				delete(sh.logs, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func windowKey(key string, idx int, w Window) string {
	return key + "#" + strconv.Itoa(idx) + ":" + strconv.FormatInt(int64(w.Period/time.Millisecond), 10)
}

// prune drops entries at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0:0], log[i:]...)
}
