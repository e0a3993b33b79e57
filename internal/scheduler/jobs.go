package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

// Job names.
const (
	JobAuditRetention = "audit_retention"
	JobBucketPrune    = "ratelimit_prune"
	JobAnomalyPrune   = "anomaly_prune"
)

// Pruner deletes stored audit events older than cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetention removes events older than retention from store.
func AuditRetention(store Pruner, retention time.Duration, schedule string, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:     JobAuditRetention,
		Schedule: schedule,
		Run: func(ctx context.Context) (int64, error) {
			cutoff := now().UTC().Add(-retention)
			n, err := store.PruneBefore(ctx, cutoff)
			if err != nil {
				return 0, fmt.Errorf("pruning audit events before %s: %w", cutoff.Format(time.RFC3339), err)
			}
			return n, nil
		},
	}
}

// BucketPrune drops rate-limit buckets idle for longer than idle.
func BucketPrune(l *ratelimit.Limiter, idle time.Duration) Job {
	return Job{
		Name:     JobBucketPrune,
		Schedule: "@every 1m",
		Run: func(context.Context) (int64, error) {
			return int64(l.Prune(idle)), nil
		},
	}
}

// AnomalyPrune drops empty detection windows.
func AnomalyPrune(a *observability.AnomalyDetector) Job {
	return Job{
		Name:     JobAnomalyPrune,
		Schedule: "@every 5m",
		Run: func(context.Context) (int64, error) {
			return int64(a.Prune()), nil
		},
	}
}
