package ratelimit

import (
	"context"
	"sync"
	"time"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/obs"
)

// Failover serves hits from primary and falls back to an in-process backend
// while primary is failing. Each outage records exactly one degraded event and
// one recovered event.
type Failover struct {
	primary  Backend
	fallback Backend
	recorder audit.Recorder
	probe    time.Duration

	mu        sync.Mutex
	degraded  bool
	nextProbe time.Time
}

// NewFailover wraps primary. A nil fallback means a fresh MemoryBackend.
func NewFailover(primary, fallback Backend, recorder audit.Recorder, probeInterval time.Duration) *Failover {
	if fallback == nil {
		fallback = NewMemoryBackend()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	return &Failover{primary: primary, fallback: fallback, recorder: recorder, probe: probeInterval}
}

// Degraded reports whether hits are currently served by the fallback.
func (f *Failover) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Failover) Hit(ctx context.Context, key string, windows []Window, now time.Time) (HitResult, error) {
	if f.usePrimary(now) {
		res, err := f.primary.Hit(ctx, key, windows, now)
		if err == nil {
			f.recovered(ctx, now)
			return res, nil
		}
		f.failed(ctx, now, err)
	}
	return f.fallback.Hit(ctx, key, windows, now)
}

// usePrimary is true when healthy, and once per probe interval while degraded.
func (f *Failover) usePrimary(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		return true
	}
	if now.Before(f.nextProbe) {
		return false
	}
	f.nextProbe = now.Add(f.probe)
	return true
}

func (f *Failover) failed(ctx context.Context, now time.Time, err error) {
	f.mu.Lock()
	first := !f.degraded
	f.degraded = true
	f.nextProbe = now.Add(f.probe)
	f.mu.Unlock()
	if !first {
		return
	}
	obs.RateLimitDegraded.Set(1)
	obs.Named("ratelimit").Warn("rate limit backend unavailable, using in-process counters", obs.Err(err))
	f.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeRateLimitDegraded,
		Outcome: audit.OutcomeFailure,
		Details: map[string]any{"error": err.Error(), "mode": "in_memory"},
	})
}

func (f *Failover) recovered(ctx context.Context, now time.Time) {
	f.mu.Lock()
	was := f.degraded
	f.degraded = false
	f.mu.Unlock()
	if !was {
		return
	}
	obs.RateLimitDegraded.Set(0)
	obs.Named("ratelimit").Info("rate limit backend recovered")
	f.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeRateLimitRecovered,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"recovered_at": now.UTC().Format(time.RFC3339)},
	})
}

// Sweep forwards to the fallback so its logs do not outlive an outage.
func (f *Failover) Sweep(now time.Time, maxPeriod time.Duration) int {
	if sw, ok := f.fallback.(sweeper); ok {
		return sw.Sweep(now, maxPeriod)
	}
	return 0
}
