package monitor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mawney.org/sentinel/internal/obs"
)

// Dispatcher delivers alerts to notifiers from a bounded queue on its own
// worker, so slow or failing sinks never stall detection.
type Dispatcher struct {
	notifiers  []Notifier
	queue      chan Alert
	maxElapsed time.Duration
	initial    time.Duration
	drain      time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize bounds the number of alerts awaiting delivery.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Alert, n)
		}
	}
}

// WithRetry sets the first retry delay and the total time spent retrying one
// notifier for one alert.
func WithRetry(initial, maxElapsed time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.initial = initial
		}
		if maxElapsed > 0 {
			d.maxElapsed = maxElapsed
		}
	}
}

func NewDispatcher(notifiers []Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifiers:  notifiers,
		queue:      make(chan Alert, 256),
		initial:    500 * time.Millisecond,
		maxElapsed: 2 * time.Minute,
		drain:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue hands an alert to the worker. It never blocks; when the queue is
// full the alert is counted and logged as undelivered.
func (d *Dispatcher) Enqueue(a Alert) bool {
	select {
	case d.queue <- a:
		return true
	default:
		obs.AlertDeliveryFailures.WithLabelValues("queue").Inc()
		obs.Named("monitor").Error("alert queue full, dropping delivery",
			zap.String("alert_id", a.ID), zap.String("rule", a.RuleID), zap.String("severity", string(a.Severity)))
		return false
	}
}

// Run delivers queued alerts until ctx is done, then drains what is left
// within a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.drain)
			defer cancel()
			for {
				select {
				case a := <-d.queue:
					d.deliver(dctx, a)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	for _, n := range d.notifiers {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.initial
		b.MaxElapsedTime = d.maxElapsed
		attempts := 0
		op := func() error {
			attempts++
			return n.Notify(ctx, a)
		}
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			obs.AlertDeliveryFailures.WithLabelValues(n.Name()).Inc()
			obs.Named("monitor").Error("alert delivery failed",
				zap.String("notifier", n.Name()),
				zap.String("alert_id", a.ID),
				zap.Int("attempts", attempts),
				obs.Err(err))
		}
	}
}
