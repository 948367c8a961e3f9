package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Buckets holds one token bucket per route, shared by every caller.
type Buckets struct {
	mu    sync.Mutex
	items map[string]*bucket
	limit rate.Limit
	burst int
	idle  time.Duration
	swept time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewBuckets builds buckets refilling at refill tokens per second up to burst.
func NewBuckets(burst int, refill float64) *Buckets {
	if burst <= 0 {
		burst = 10
	}
	if refill <= 0 {
		refill = 10
	}
	return &Buckets{
		items: make(map[string]*bucket),
		limit: rate.Limit(refill),
		burst: burst,
		idle:  10 * time.Minute,
	}
}

// Allow takes one token from route's bucket. When empty it returns the wait
// until the next token.
func (b *Buckets) Allow(route string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	it, ok := b.items[route]
	if !ok {
		it = &bucket{lim: rate.NewLimiter(b.limit, b.burst)}
		b.items[route] = it
	}
	it.seen = now
	if now.Sub(b.swept) > b.idle {
		b.sweepLocked(now)
	}
	b.mu.Unlock()

	r := it.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Burst reports the bucket capacity.
func (b *Buckets) Burst() int { return b.burst }

func (b *Buckets) sweepLocked(now time.Time) {
	for k, it := range b.items {
		if now.Sub(it.seen) > b.idle {
			delete(b.items, k)
		}
	}
	b.swept = now
}
