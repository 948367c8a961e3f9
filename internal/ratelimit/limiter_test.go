package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/secerr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *eventSink) Record(_ context.Context, ev audit.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) count(typ audit.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type brokenBackend struct {
	down  atomic.Bool
	calls atomic.Int64
}

func (b *brokenBackend) Hit(ctx context.Context, key string, windows []Window, now time.Time) (HitResult, error) {
	b.calls.Add(1)
	if b.down.Load() {
		return HitResult{}, errors.New("connection refused")
	}
	return HitResult{Allowed: true, Limit: windows[0].Limit, Remaining: windows[0].Limit - 1}, nil
}

func TestAuthClassDeniesSixthAttemptThenRollsOver(t *testing.T) {
	clk := newClock()
	lim, err := New(WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := lim.Allow(ctx, "ip:10.0.0.1", ClassAuth)
		require.NoError(t, err, "attempt %d", i+1)
		require.Equal(t, 5-i-1, d.Remaining)
		clk.Advance(time.Second)
	}

	d, err := lim.Allow(ctx, "ip:10.0.0.1", ClassAuth)
	require.False(t, d.Allowed)
	require.True(t, errors.Is(err, secerr.ErrRateLimited))
	var rl *secerr.RateLimitError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, int64(5), rl.Limit)
	require.Equal(t, 55*time.Second, rl.RetryAfter)

	other, err := lim.Allow(ctx, "ip:10.0.0.2", ClassAuth)
	require.NoError(t, err)
	require.True(t, other.Allowed)

	clk.Advance(56 * time.Second)
	d, err = lim.Allow(ctx, "ip:10.0.0.1", ClassAuth)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestConcurrentHitsNeverExceedLimit(t *testing.T) {
	clk := newClock()
	policy := DefaultPolicy()
	policy[ClassUpload] = []Window{{Limit: 10, Period: time.Minute}}
	lim, err := New(WithClock(clk.Now), WithPolicy(policy))
	require.NoError(t, err)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d, _ := lim.Allow(context.Background(), "sub:u1", ClassUpload); d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := admitted.Load(); got != 10 {
		t.Fatalf("expected exactly 10 admitted, got %d", got)
	}
}

func TestDeniedHitIsNotRecorded(t *testing.T) {
	clk := newClock()
	backend := NewMemoryBackend()
	windows := []Window{{Limit: 2, Period: time.Minute}, {Limit: 3, Period: time.Hour}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := backend.Hit(ctx, "k", windows, clk.Now())
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	for i := 0; i < 5; i++ {
		res, _ := backend.Hit(ctx, "k", windows, clk.Now())
		require.False(t, res.Allowed)
	}

	// Denials must not have consumed the hourly window.
	clk.Advance(61 * time.Second)
	res, err := backend.Hit(ctx, "k", windows, clk.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 3, res.Limit)

	res, _ = backend.Hit(ctx, "k", windows, clk.Now())
	require.False(t, res.Allowed)
	require.Equal(t, 3, res.Limit)
}

func TestSweepDropsIdleLogs(t *testing.T) {
	clk := newClock()
	backend := NewMemoryBackend()
	_, _ = backend.Hit(context.Background(), "k", []Window{{Limit: 5, Period: time.Minute}}, clk.Now())
	if n := backend.Sweep(clk.Now(), time.Minute); n != 0 {
		t.Fatalf("fresh log swept: %d", n)
	}
	clk.Advance(2 * time.Minute)
	if n := backend.Sweep(clk.Now(), time.Minute); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
}

func TestFailoverRecordsOneDegradedEventPerOutage(t *testing.T) {
	clk := newClock()
	primary := &brokenBackend{}
	primary.down.Store(true)
	sink := &eventSink{}
	fo := NewFailover(primary, nil, sink, 5*time.Second)
	lim, err := New(WithClock(clk.Now), WithBackend(fo), WithRecorder(sink))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d, err := lim.Allow(context.Background(), "sub:u1", ClassDefault)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.True(t, fo.Degraded())
	require.Equal(t, 1, sink.count(audit.TypeRateLimitDegraded))
	require.Equal(t, int64(1), primary.calls.Load(), "primary probed before interval elapsed")

	// Fallback counters still enforce limits.
	for i := 0; i < 5; i++ {
		_, _ = lim.Allow(context.Background(), "ip:1.2.3.4", ClassAuth)
	}
	d, _ := lim.Allow(context.Background(), "ip:1.2.3.4", ClassAuth)
	require.False(t, d.Allowed)

	primary.down.Store(false)
	clk.Advance(6 * time.Second)
	_, err = lim.Allow(context.Background(), "sub:u1", ClassDefault)
	require.NoError(t, err)
	require.False(t, fo.Degraded())
	require.Equal(t, 1, sink.count(audit.TypeRateLimitRecovered))

	primary.down.Store(true)
	clk.Advance(time.Second)
	_, _ = lim.Allow(context.Background(), "sub:u1", ClassDefault)
	require.Equal(t, 2, sink.count(audit.TypeRateLimitDegraded))
}

func TestDenialAuditedOncePerPeriod(t *testing.T) {
	clk := newClock()
	sink := &eventSink{}
	lim, err := New(WithClock(clk.Now), WithRecorder(sink))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, _ = lim.Allow(context.Background(), "ip:9.9.9.9", ClassAuth)
	}
	if got := sink.count(audit.TypeRateLimit); got != 1 {
		t.Fatalf("expected 1 rate limit event, got %d", got)
	}
}

func TestRouteBucketBurst(t *testing.T) {
	clk := newClock()
	lim, err := New(WithClock(clk.Now), WithBuckets(NewBuckets(3, 1)))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := lim.AllowRoute(ctx, "/auth/login")
		require.NoError(t, err)
	}
	d, err := lim.AllowRoute(ctx, "/auth/login")
	require.Error(t, err)
	require.Equal(t, time.Second, d.RetryAfter)

	_, err = lim.AllowRoute(ctx, "/user/profile")
	require.NoError(t, err, "buckets are per route")

	clk.Advance(time.Second)
	_, err = lim.AllowRoute(ctx, "/auth/login")
	require.NoError(t, err)
}

func TestDisabledAdmitsEverything(t *testing.T) {
	lim, err := New(Disabled())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		d, err := lim.Allow(context.Background(), "ip:1.1.1.1", ClassAuth)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestBlockList(t *testing.T) {
	lim, err := New()
	require.NoError(t, err)
	require.NoError(t, lim.Block(context.Background(), "6.6.6.6", time.Now().Add(time.Hour)))
	require.NoError(t, lim.Block(context.Background(), "6.6.6.6", time.Now().Add(time.Minute)))

	until, ok := lim.Blocked("6.6.6.6")
	require.True(t, ok)
	require.True(t, until.After(time.Now().Add(50*time.Minute)), "shorter block must not shrink a longer one")

	_, ok = lim.Blocked("7.7.7.7")
	require.False(t, ok)

	require.NoError(t, lim.Block(context.Background(), "8.8.8.8", time.Now().Add(-time.Second)))
	_, ok = lim.Blocked("8.8.8.8")
	require.False(t, ok)
}

func TestKeyStrategies(t *testing.T) {
	cases := []struct {
		strategy KeyStrategy
		subject  string
		want     string
	}{
		{KeyAuto, "", "ip:10.0.0.1"},
		{KeyAuto, "u1", "sub:u1"},
		{KeyIP, "u1", "ip:10.0.0.1"},
		{KeySubject, "u1", "sub:u1"},
		{KeySubject, "", "ip:10.0.0.1"},
		{KeySubjectIP, "u1", "sub:u1|ip:10.0.0.1"},
	}
	for _, tc := range cases {
		if got := tc.strategy.Key(tc.subject, "10.0.0.1"); got != tc.want {
			t.Fatalf("%s/%q: got %q want %q", tc.strategy, tc.subject, got, tc.want)
		}
	}

	if k, err := ParseKeyStrategy(" Subject_IP "); err != nil || k != KeySubjectIP {
		t.Fatalf("ParseKeyStrategy: %v %v", k, err)
	}
	if _, err := ParseKeyStrategy("cookie"); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := Policy{ClassDefault: {{Limit: 0, Period: time.Minute}}}
	if _, err := New(WithPolicy(bad)); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := New(WithPolicy(Policy{ClassAuth: {{Limit: 1, Period: time.Second}}})); err == nil {
		t.Fatal("policy without default accepted")
	}
}
