package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/toolgate/internal/config"
	"github.com/jkaninda/toolgate/internal/observability"
	"github.com/jkaninda/toolgate/internal/ratelimit"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestAddValidatesSchedule(t *testing.T) {
	s := New(nil, discard)
	noop := func(context.Context) (int64, error) { return 0, nil }

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"descriptor", Job{Name: "a", Schedule: "@daily", Run: noop}, false},
		{"every", Job{Name: "b", Schedule: "@every 30s", Run: noop}, false},
		{"five fields", Job{Name: "c", Schedule: "0 3 * * *", Run: noop}, false},
		{"garbage", Job{Name: "d", Schedule: "sometimes", Run: noop}, true},
		{"six fields", Job{Name: "e", Schedule: "0 0 3 * * *", Run: noop}, true},
		{"no run", Job{Name: "f", Schedule: "@daily"}, true},
		{"duplicate", Job{Name: "a", Schedule: "@hourly", Run: noop}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if n := len(s.Jobs()); n != 3 {
		t.Errorf("Jobs() has %d entries, want 3", n)
	}
}

func TestAuditRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakePruner{n: 7}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(m, discard)
	if err := s.Add(AuditRetention(store, 90*24*time.Hour, "@daily", func() time.Time { return now })); err != nil {
		t.Fatal(err)
	}

	n, err := s.Trigger(context.Background(), JobAuditRetention)
	if err != nil || n != 7 {
		t.Fatalf("Trigger() = %d, %v", n, err)
	}
	if want := now.Add(-90 * 24 * time.Hour); !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %s, want %s", store.cutoff, want)
	}
	if v := testutil.ToFloat64(m.Removed.WithLabelValues(JobAuditRetention)); v != 7 {
		t.Errorf("removed_total = %v", v)
	}
	if v := testutil.ToFloat64(m.Runs.WithLabelValues(JobAuditRetention, "success")); v != 1 {
		t.Errorf("runs success = %v", v)
	}

	store.err = errors.New("db gone")
	if _, err := s.Trigger(context.Background(), JobAuditRetention); err == nil {
		t.Error("store error should surface")
	}
	if v := testutil.ToFloat64(m.Runs.WithLabelValues(JobAuditRetention, "error")); v != 1 {
		t.Errorf("runs error = %v", v)
	}
}

func TestTriggerUnknown(t *testing.T) {
	s := New(nil, discard)
	if _, err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Trigger() = %v, want ErrUnknownJob", err)
	}
}

func TestBucketPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60}, ratelimit.WithClock(func() time.Time { return now }))
	_ = l.Allow(ratelimit.Key("list_directory", "alice"))
	_ = l.Allow(ratelimit.Key("list_directory", "bob"))

	s := New(nil, discard)
	if err := s.Add(BucketPrune(l, 10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Trigger(context.Background(), JobBucketPrune); n != 0 {
		t.Errorf("fresh buckets pruned: %d", n)
	}

	now = now.Add(11 * time.Minute)
	if n, _ := s.Trigger(context.Background(), JobBucketPrune); n != 2 {
		t.Errorf("pruned %d buckets, want 2", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d", l.Len())
	}
}

func TestAnomalyPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := observability.NewAnomalyDetector(
		config.AnomalyConfig{Enabled: true, DenialThreshold: 10, WindowSeconds: 60},
		discard,
		observability.WithAnomalyClock(func() time.Time { return now }),
	)
	a.RecordDenial("alice/s1")

	s := New(nil, discard)
	if err := s.Add(AnomalyPrune(a)); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if n, _ := s.Trigger(context.Background(), JobAnomalyPrune); n != 1 {
		t.Errorf("pruned %d windows, want 1", n)
	}

	// A disabled detector is nil and prunes nothing.
	if n, err := AnomalyPrune(nil).Run(context.Background()); n != 0 || err != nil {
		t.Errorf("nil detector: %d, %v", n, err)
	}
}

func TestStartRunsJobs(t *testing.T) {
	var runs atomic.Int32
	s := New(nil, discard)
	err := s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	stop := s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()
	stop()

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}
