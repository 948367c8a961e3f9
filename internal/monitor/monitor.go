package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/ids"
	"mawney.org/sentinel/internal/obs"
	"mawney.org/sentinel/internal/stream"
)

// Source is the read side of the audit log the monitor tails.
type Source interface {
	Tail(ctx context.Context, after int64, limit int) ([]audit.Event, error)
	SeqBefore(ctx context.Context, t time.Time) (int64, error)
}

// Lease elects one monitor among replicas sharing an audit store. Hold is
// called before every poll and reports whether this process may tail.
type Lease interface {
	Hold(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Actuator applies feedback actions. The token service takes lockouts and the
// gateway block list takes blocks.
type Actuator interface {
	Lockout(ctx context.Context, key string, until time.Time) error
	Block(ctx context.Context, ip string, until time.Time) error
}

// Monitor consumes the audit log and raises alerts.
type Monitor struct {
	source     Source
	rules      []Rule
	history    *History
	hub        *stream.Hub[Alert]
	dispatcher *Dispatcher
	actuator   Actuator
	recorder   audit.Recorder
	now        func() time.Time
	interval   time.Duration
	batch      int
	lookback   time.Duration
	gapGrace   time.Duration
	lease      Lease

	cursor     int64
	positioned bool
	leading    bool
	gapAt      int64
	gapSince   time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithRules(rules ...Rule) Option { return func(m *Monitor) { m.rules = rules } }

func WithHistory(h *History) Option { return func(m *Monitor) { m.history = h } }

func WithHub(h *stream.Hub[Alert]) Option { return func(m *Monitor) { m.hub = h } }

func WithDispatcher(d *Dispatcher) Option { return func(m *Monitor) { m.dispatcher = d } }

func WithActuator(a Actuator) Option { return func(m *Monitor) { m.actuator = a } }

// WithRecorder sets where alerts are written back as security_alert events.
func WithRecorder(r audit.Recorder) Option {
	return func(m *Monitor) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithPollInterval sets how often the audit log is tailed.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLookback sets how far back the first poll starts, so trailing windows
// are warm after a restart.
func WithLookback(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.lookback = d
		}
	}
}

// WithGapGrace sets how long a missing sequence number holds back the events
// after it. Rows from a slower writer that commit inside the grace are still
// consumed in order; a gap older than that is skipped.
func WithGapGrace(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.gapGrace = d
		}
	}
}

// WithLease makes the monitor tail only while it holds l.
func WithLease(l Lease) Option { return func(m *Monitor) { m.lease = l } }

func New(source Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		rules:    DefaultRules(Thresholds{}),
		history:  NewHistory(500),
		recorder: audit.Discard,
		now:      time.Now,
		interval: 2 * time.Second,
		batch:    500,
		lookback: 15 * time.Minute,
		gapGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// History returns the recent alert ring.
func (m *Monitor) History() *History { return m.history }

// Run polls the audit log every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	logger := obs.Named("monitor")
	logger.Info("threat monitor started", zap.Duration("interval", m.interval), zap.Int("rules", len(m.rules)))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.releaseLease(logger)
	for {
		if m.holdLease(ctx, logger) {
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("audit tail failed", obs.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			logger.Info("threat monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) holdLease(ctx context.Context, logger *zap.Logger) bool {
	if m.lease == nil {
		return true
	}
	held, err := m.lease.Hold(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Warn("monitor lease check failed", obs.Err(err))
	}
	switch {
	case held && !m.leading:
		logger.Info("monitor lease acquired")
		// Another replica consumed the log meanwhile; start again from the lookback.
		m.positioned = false
	case !held && m.leading:
		logger.Warn("monitor lease lost")
	}
	m.leading = held
	return held
}

func (m *Monitor) releaseLease(logger *zap.Logger) {
	if m.lease == nil || !m.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.lease.Release(ctx); err != nil {
		logger.Warn("monitor lease release failed", obs.Err(err))
	}
	m.leading = false
}

// Poll consumes every event after the cursor and returns the alerts raised.
// The first poll starts at the lookback horizon.
func (m *Monitor) Poll(ctx context.Context) ([]Alert, error) {
	if !m.positioned {
		seq, err := m.source.SeqBefore(ctx, m.now().Add(-m.lookback))
		if err != nil {
			return nil, fmt.Errorf("monitor.Poll: %w", err)
		}
		m.cursor, m.positioned = seq, true
	}
	var raised []Alert
	for {
		events, err := m.source.Tail(ctx, m.cursor, m.batch)
		if err != nil {
			return raised, fmt.Errorf("monitor.Poll: %w", err)
		}
		for _, ev := range events {
			if ev.Seq != m.cursor+1 && !m.passGap(ev.Seq) {
				return raised, nil
			}
			m.cursor = ev.Seq
			raised = append(raised, m.Process(ctx, ev)...)
		}
		if len(events) < m.batch {
			return raised, nil
		}
	}
}

// passGap reports whether the cursor may jump to next over missing sequence
// numbers. The first sighting of a gap starts its grace period.
func (m *Monitor) passGap(next int64) bool {
	now := m.now()
	if m.gapAt != m.cursor+1 {
		m.gapAt, m.gapSince = m.cursor+1, now
	}
	if now.Sub(m.gapSince) < m.gapGrace {
		return false
	}
	obs.MonitorGapsSkipped.Inc()
	obs.Named("monitor").Debug("skipping audit sequence gap",
		zap.Int64("from", m.cursor+1), zap.Int64("to", next-1))
	m.gapAt = 0
	return true
}

// Process runs every rule over ev and emits the resulting alerts. Alert
// events are skipped so an alert never triggers another.
func (m *Monitor) Process(ctx context.Context, ev audit.Event) []Alert {
	if ev.Type == audit.TypeAlert {
		return nil
	}
	var out []Alert
	for _, r := range m.rules {
		for _, a := range r.Evaluate(ev) {
			out = append(out, m.Emit(ctx, a))
		}
	}
	return out
}

// Emit stamps, stores, publishes and delivers an alert and applies its
// actions. It also serves process-level alerts raised outside the rules.
func (m *Monitor) Emit(ctx context.Context, a Alert) Alert {
	now := m.now()
	if a.ID == "" {
		a.ID = ids.NewAt(now)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	obs.AlertsTotal.WithLabelValues(a.RuleID, string(a.Severity)).Inc()
	m.history.Add(a)
	if m.hub != nil {
		m.hub.Publish(a)
	}
	m.apply(ctx, a)
	m.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeAlert,
		SubjectID: a.SubjectID,
		IP:        a.IP,
		Outcome:   audit.OutcomeBlocked,
		Details: map[string]any{
			"alert_id":  a.ID,
			"rule_id":   a.RuleID,
			"severity":  string(a.Severity),
			"message":   a.Message,
			"event_ids": a.EventIDs,
		},
	})
	if m.dispatcher != nil {
		m.dispatcher.Enqueue(a)
	}
	return a
}

func (m *Monitor) apply(ctx context.Context, a Alert) {
	if m.actuator == nil {
		return
	}
	for _, act := range a.Actions {
		var err error
		switch act.Kind {
		case ActionLockout:
			err = m.actuator.Lockout(ctx, act.Key, act.Until)
		case ActionBlock:
			err = m.actuator.Block(ctx, act.Key, act.Until)
		}
		if err != nil {
			obs.Named("monitor").Error("alert action failed",
				zap.String("alert_id", a.ID), zap.String("action", string(act.Kind)), zap.String("key", act.Key), obs.Err(err))
		}
	}
}

// AuditDegraded raises the process-level alert for an audit backlog above
// its threshold. It bypasses the audit log, which is the thing failing.
func (m *Monitor) AuditDegraded(backlog int64) {
	a := Alert{
		ID:        ids.NewAt(m.now()),
		RuleID:    "audit_degraded",
		Severity:  SeverityCritical,
		Message:   fmt.Sprintf("audit log backlog at %d events, store writes are failing", backlog),
		CreatedAt: m.now(),
		EventIDs:  []string{},
	}
	obs.AlertsTotal.WithLabelValues(a.RuleID, string(a.Severity)).Inc()
	m.history.Add(a)
	if m.hub != nil {
		m.hub.Publish(a)
	}
	if m.dispatcher != nil {
		m.dispatcher.Enqueue(a)
	}
}

// Actions adapts the token service and gateway block list to an Actuator.
type Actions struct {
	Lockouts interface {
		Lockout(ctx context.Context, key string, until time.Time) error
	}
	Blocks interface {
		Block(ctx context.Context, ip string, until time.Time) error
	}
}

func (a Actions) Lockout(ctx context.Context, key string, until time.Time) error {
	if a.Lockouts == nil {
		return nil
	}
	return a.Lockouts.Lockout(ctx, key, until)
}

func (a Actions) Block(ctx context.Context, ip string, until time.Time) error {
	if a.Blocks == nil {
		return nil
	}
	return a.Blocks.Block(ctx, ip, until)
}
