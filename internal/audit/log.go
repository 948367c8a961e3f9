package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/ids"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/secerr"
)

const (
	defaultQueueSize     = 10000
	defaultBacklogAlert  = 5000
	defaultBatchSize     = 100
	defaultFlushInterval = 200 * time.Millisecond
	defaultMaxRetryDelay = 5 * time.Second
	defaultDirectTimeout = 2 * time.Second
)

// Log is the append point for audit events. Record never fails: events go to a
// bounded queue drained by one flusher, which retries store errors with
// backoff. When the queue is full the producer writes its event straight to
// the store under a deadline instead of waiting on the flusher.
type Log struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger

	queueSize     int
	backlogAlert  int
	batchSize     int
	flushInterval time.Duration
	maxRetryDelay time.Duration
	directTimeout time.Duration

	onDegraded  func(backlog int64)
	onRecovered func()

	mu     sync.Mutex
	last   time.Time
	closed bool
	queue  chan Event

	backlog  atomic.Int64
	degraded atomic.Bool

	abort     context.Context
	abortFn   context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures Log.
type Option func(*Log)

func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithBacklogAlert sets the backlog size at which the log reports degraded.
func WithBacklogAlert(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.backlogAlert = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

func WithMaxRetryDelay(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.maxRetryDelay = d
		}
	}
}

// WithDirectTimeout bounds the synchronous write made when the queue is full
// or the log is closed.
func WithDirectTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.directTimeout = d
		}
	}
}

// WithDegradedHooks registers callbacks fired once per degraded episode.
// They run on their own goroutine.
func WithDegradedHooks(onDegraded func(backlog int64), onRecovered func()) Option {
	return func(l *Log) {
		l.onDegraded = onDegraded
		l.onRecovered = onRecovered
	}
}

// New constructs a Log. Call Start before recording and Close on shutdown.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:         store,
		now:           time.Now,
		logger:        obs.Named("audit"),
		queueSize:     defaultQueueSize,
		backlogAlert:  defaultBacklogAlert,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		maxRetryDelay: defaultMaxRetryDelay,
		directTimeout: defaultDirectTimeout,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan Event, l.queueSize)
	l.abort, l.abortFn = context.WithCancel(context.Background())
	return l
}

// Start launches the flusher.
func (l *Log) Start() {
	l.startOnce.Do(func() { go l.run() })
}

// Record stamps and enqueues ev. Stamping and enqueueing share one lock so
// queue order, ID order and timestamp order agree. The send never blocks:
// when the queue is full or the log is closed the caller writes its own event
// under the direct-write deadline. The caller's cancellation does not abandon
// an event already handed over.
func (l *Log) Record(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	enrich(ctx, &ev)
	ev.UserAgent = SanitizeUserAgent(ev.UserAgent)
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}

	l.mu.Lock()
	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	l.last = ts
	ev.Timestamp = ts
	ev.ID = ids.NewAt(ts)

	closed, queued := l.closed, false
	if !closed {
		l.backlog.Add(1)
		select {
		case l.queue <- ev:
			queued = true
		default:
			l.backlog.Add(-1)
		}
	}
	l.mu.Unlock()

	if !queued {
		if !closed {
			obs.AuditOverflow.Inc()
		}
		l.writeDirect(ctx, ev)
		return
	}
	l.observeBacklog()
}

// Query is a passthrough to the store, restricted to one subject.
func (l *Log) Query(ctx context.Context, q Query) ([]Event, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	return l.store.Query(ctx, q)
}

// Tail exposes the ordered stream to consumers such as the threat monitor.
func (l *Log) Tail(ctx context.Context, after int64, limit int) ([]Event, error) {
	return l.store.Tail(ctx, after, limit)
}

// SeqBefore positions a Tail cursor just before the first event at or after t.
func (l *Log) SeqBefore(ctx context.Context, t time.Time) (int64, error) {
	return l.store.SeqBefore(ctx, t)
}

// Backlog reports events accepted but not yet persisted.
func (l *Log) Backlog() int64 { return l.backlog.Load() }

// Degraded reports whether the backlog crossed its alert threshold.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// Health returns ErrAuditDegraded while degraded.
func (l *Log) Health() error {
	if l.Degraded() {
		return secerr.ErrAuditDegraded
	}
	return nil
}

// Close stops accepting queued writes and flushes what is buffered. If ctx
// expires first the flusher is aborted and the remaining events are counted
// as dropped. Events recorded after Close are written directly.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.Start()
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		l.abortFn()
		<-l.done
		if n := l.backlog.Load(); n > 0 {
			obs.AuditDropped.Add(float64(n))
			l.logger.Error("audit flush deadline exceeded", zap.Int64("dropped", n))
		}
		return ctx.Err()
	}
}

func (l *Log) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	for {
		select {
		case ev, ok := <-l.queue:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Log) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = l.maxRetryDelay
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := l.store.Append(l.abort, batch)
		if err != nil {
			obs.AuditWriteErrors.Inc()
			if attempt == 1 || attempt%10 == 0 {
				l.logger.Warn("audit append failed, retrying",
					zap.Int("batch", len(batch)), zap.Int("attempt", attempt), obs.Err(err))
			}
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, l.abort)); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		l.logger.Error("audit append abandoned", zap.Int("batch", len(batch)), obs.Err(err))
		return
	}
	l.backlog.Add(-int64(len(batch)))
	l.observeBacklog()
}

// writeDirect persists one event outside the queue.
func (l *Log) writeDirect(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, l.directTimeout)
	defer cancel()
	if err := l.store.Append(ctx, []Event{ev}); err != nil {
		obs.AuditDropped.Inc()
		l.logger.Error("late audit event lost", zap.String("type", string(ev.Type)), obs.Err(err))
	}
}

func (l *Log) observeBacklog() {
	n := l.backlog.Load()
	obs.AuditBacklog.Set(float64(n))
	switch {
	case n >= int64(l.backlogAlert):
		if l.degraded.CompareAndSwap(false, true) {
			obs.AuditDegraded.Set(1)
			l.logger.Error("audit backlog above threshold", zap.Int64("backlog", n), zap.Int("threshold", l.backlogAlert))
			if l.onDegraded != nil {
				go l.onDegraded(n)
			}
		}
	case n <= int64(l.backlogAlert/2):
		if l.degraded.CompareAndSwap(true, false) {
			obs.AuditDegraded.Set(0)
			l.logger.Info("audit backlog recovered", zap.Int64("backlog", n))
			if l.onRecovered != nil {
				go l.onRecovered()
			}
		}
	}
}
