package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/secerr"
)

// Decision is the outcome of one admission check with quota metadata for
// response headers.
type Decision struct {
	Allowed    bool
	Class      Class
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Error returns the RateLimitError for a denied decision, nil otherwise.
func (d Decision) Error() error {
	if d.Allowed {
		return nil
	}
	return &secerr.RateLimitError{
		Class:      string(d.Class),
		Limit:      int64(d.Limit),
		Remaining:  int64(d.Remaining),
		RetryAfter: d.RetryAfter,
		ResetAt:    d.ResetAt,
	}
}

// Limiter combines the route buckets, the per-key windows and the block list.
type Limiter struct {
	policy   Policy
	backend  Backend
	buckets  *Buckets
	blocks   *BlockList
	strategy KeyStrategy
	recorder audit.Recorder
	now      func() time.Time
	disabled bool

	// denials remembers keys already audited for the current denial period.
	denials *cache.Cache
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithPolicy(p Policy) Option { return func(l *Limiter) { l.policy = p } }

// WithBackend sets the window store. Wrap shared stores in a Failover.
func WithBackend(b Backend) Option { return func(l *Limiter) { l.backend = b } }

func WithBuckets(b *Buckets) Option { return func(l *Limiter) { l.buckets = b } }

func WithBlockList(b *BlockList) Option { return func(l *Limiter) { l.blocks = b } }

func WithKeyStrategy(k KeyStrategy) Option { return func(l *Limiter) { l.strategy = k } }

func WithRecorder(r audit.Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// Disabled admits everything. Block lists still apply.
func Disabled() Option { return func(l *Limiter) { l.disabled = true } }

// New builds a Limiter. Unset parts default to the stock policy, an in-memory
// backend and default buckets.
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		policy:   DefaultPolicy(),
		strategy: KeyAuto,
		recorder: audit.Discard,
		now:      time.Now,
		denials:  cache.New(time.Minute, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.policy.Validate(); err != nil {
		return nil, fmt.Errorf("ratelimit.New: %w", err)
	}
	if l.backend == nil {
		l.backend = NewMemoryBackend()
	}
	if l.buckets == nil {
		l.buckets = NewBuckets(10, 10)
	}
	if l.blocks == nil {
		l.blocks = NewBlockList()
	}
	return l, nil
}

// Key derives the counter key for a caller under the configured strategy.
func (l *Limiter) Key(subjectID, ip string) string {
	return l.strategy.Key(subjectID, ip)
}

// AllowRoute applies the shared per-route burst bucket.
func (l *Limiter) AllowRoute(ctx context.Context, route string) (Decision, error) {
	if l.disabled {
		return Decision{Allowed: true, Class: "burst"}, nil
	}
	ok, wait := l.buckets.Allow(route, l.now())
	d := Decision{Allowed: ok, Class: "burst", Limit: l.buckets.Burst()}
	if ok {
		obs.RateLimitDecisions.WithLabelValues("burst", "allowed").Inc()
		return d, nil
	}
	d.RetryAfter = wait
	d.ResetAt = l.now().Add(wait)
	obs.RateLimitDecisions.WithLabelValues("burst", "denied").Inc()
	l.audit(ctx, "route:"+route, d)
	return d, d.Error()
}

// Allow charges one hit to key under class. Concurrent calls for the same key
// never admit more than the window allows. When the backend itself errors the
// request is admitted.
func (l *Limiter) Allow(ctx context.Context, key string, class Class) (Decision, error) {
	windows := l.policy.windows(class)
	if l.disabled {
		return Decision{Allowed: true, Class: class, Limit: windows[0].Limit, Remaining: windows[0].Limit}, nil
	}
	now := l.now()
	res, err := l.backend.Hit(ctx, string(class)+"|"+key, windows, now)
	if err != nil {
		obs.From(ctx).Warn("rate limit backend error, admitting", obs.Component("ratelimit"), obs.Err(err))
		obs.RateLimitDecisions.WithLabelValues(string(class), "error").Inc()
		return Decision{Allowed: true, Class: class, Limit: windows[0].Limit, Remaining: -1}, nil
	}
	d := Decision{
		Allowed:    res.Allowed,
		Class:      class,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
		ResetAt:    res.ResetAt,
	}
	if d.Allowed {
		obs.RateLimitDecisions.WithLabelValues(string(class), "allowed").Inc()
		return d, nil
	}
	obs.RateLimitDecisions.WithLabelValues(string(class), "denied").Inc()
	l.audit(ctx, key, d)
	return d, d.Error()
}

// Block rejects ip until the given time. It serves the monitor's block action.
func (l *Limiter) Block(ctx context.Context, ip string, until time.Time) error {
	if err := l.blocks.Block(ctx, ip, until); err != nil {
		return err
	}
	obs.Named("ratelimit").Info("ip blocked", obs.ClientIP(ip), zap.Time("until", until))
	return nil
}

// Blocked reports whether ip is on the block list.
func (l *Limiter) Blocked(ip string) (time.Time, bool) {
	return l.blocks.Blocked(ip)
}

// RunSweeper drops idle in-memory window logs every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) error {
	sw, ok := l.backend.(sweeper)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	maxPeriod := l.policy.maxPeriod()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := sw.Sweep(l.now(), maxPeriod); n > 0 {
				obs.Named("ratelimit").Debug("swept idle windows", zap.Int("count", n))
			}
		}
	}
}

// audit records one denial per key per denial period.
func (l *Limiter) audit(ctx context.Context, key string, d Decision) {
	ttl := d.RetryAfter
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := l.denials.Add(string(d.Class)+"|"+key, struct{}{}, ttl); err != nil {
		return
	}
	l.recorder.Record(ctx, audit.Event{
		Type:    audit.TypeRateLimit,
		Outcome: audit.OutcomeBlocked,
		Details: map[string]any{
			"class":       string(d.Class),
			"key":         key,
			"limit":       d.Limit,
			"retry_after": d.RetryAfter.Seconds(),
		},
	})
}

func (p Policy) maxPeriod() time.Duration {
	var longest time.Duration
	for _, windows := range p {
		for _, w := range windows {
			if w.Period > longest {
				longest = w.Period
			}
		}
	}
	return longest
}
