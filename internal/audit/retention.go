package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mawney.org/sentinel/internal/obs"
)

// DefaultRetention is the seven-year accountability window.
const DefaultRetention = 2555 * 24 * time.Hour

// RetentionJob purges events older than Retention on a fixed schedule. It is
// the only code path that removes audit events.
type RetentionJob struct {
	Purger    Purger
	Retention time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

// RunOnce purges everything older than the retention window.
func (j RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now().UTC().Add(-retention)
	n, err := j.Purger.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	obs.Named("audit.retention").Info("audit retention purge",
		zap.Time("cutoff", cutoff), zap.Int64("removed", n))
	return n, nil
}

// Run executes RunOnce every Interval until ctx ends.
func (j RetentionJob) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				obs.Named("audit.retention").Warn("audit retention purge failed", obs.Err(err))
			}
		}
	}
}
