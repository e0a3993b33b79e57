package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

func TestAcquireRateLimitFailsFast(t *testing.T) {
	clock := newFakeClock()
	rl := NewResourceLimiter(
		NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1}, WithClock(clock.Now)),
		Limits{MaxConcurrent: 1},
	)
	p, err := rl.Acquire(context.Background(), "list_directory", "alice")
	if err != nil {
		t.Fatal(err)
	}
	p.Release()

	start := time.Now()
	_, err = rl.Acquire(context.Background(), "list_directory", "alice")
	if !errors.Is(err, security.ErrRateLimitExceeded) {
		t.Fatalf("got %v, want RateLimitExceeded", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("rate limit rejection should not wait")
	}
	var se *security.Error
	if errors.As(err, &se) && se.Details["retry_after_ms"] != int64(1000) {
		t.Errorf("retry_after_ms = %v", se.Details["retry_after_ms"])
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	rl := NewResourceLimiter(nil, Limits{MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond})
	held, err := rl.Acquire(context.Background(), "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	_, err = rl.Acquire(context.Background(), "t", "b")
	if !errors.Is(err, security.ErrResourceLimitExceeded) {
		t.Fatalf("got %v, want ResourceLimitExceeded", err)
	}

	// Another tool has its own semaphore.
	other, err := rl.Acquire(context.Background(), "other", "a")
	if err != nil {
		t.Fatalf("tools must not share slots: %v", err)
	}
	other.Release()
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	rl := NewResourceLimiter(nil, Limits{MaxConcurrent: 1, AcquireTimeout: time.Minute})
	held, _ := rl.Acquire(context.Background(), "t", "a")
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rl.Acquire(ctx, "t", "b")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	rl := NewResourceLimiter(nil, Limits{MaxConcurrent: 2})
	p, err := rl.Acquire(context.Background(), "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	if rl.InFlight("t") != 1 {
		t.Fatalf("InFlight = %d, want 1", rl.InFlight("t"))
	}
	p.Release()
	p.Release()
	if rl.InFlight("t") != 0 {
		t.Errorf("InFlight = %d after double release, want 0", rl.InFlight("t"))
	}

	var nilPermit *Permit
	nilPermit.Release()
}

func TestConcurrencyNeverExceedsMax(t *testing.T) {
	const maxConcurrent = 3
	rl := NewResourceLimiter(nil, Limits{})
	rl.Register("list_directory", Limits{MaxConcurrent: maxConcurrent, AcquireTimeout: 5 * time.Second})

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute(context.Background(), rl, "list_directory", string(rune('a'+i)), time.Second,
				func(ctx context.Context) (struct{}, error) {
					n := running.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(20 * time.Millisecond)
					running.Add(-1)
					return struct{}{}, nil
				})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if peak.Load() > maxConcurrent {
		t.Errorf("peak concurrency %d exceeded %d", peak.Load(), maxConcurrent)
	}
	if rl.InFlight("list_directory") != 0 {
		t.Errorf("permits leaked: %d", rl.InFlight("list_directory"))
	}
}

func TestRunTimeout(t *testing.T) {
	_, err := Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, security.ErrExecutionTimeout) {
		t.Fatalf("got %v, want ExecutionTimeout", err)
	}
}

func TestRunCallerDeadline(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"no execution timeout", 0},
		{"caller deadline first", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := Run(ctx, tt.timeout, func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			})
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("got %v, want the caller's context.DeadlineExceeded", err)
			}
			var se *security.Error
			if errors.As(err, &se) {
				t.Errorf("caller deadline reported as %s: %v", se.Code, se)
			}
		})
	}
}

func TestRunReturnsResult(t *testing.T) {
	got, err := Run(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestExecuteReleasesOnPanic(t *testing.T) {
	rl := NewResourceLimiter(nil, Limits{MaxConcurrent: 1})
	_, err := Execute(context.Background(), rl, "t", "u", time.Second, func(context.Context) (int, error) {
		panic("boom")
	})
	if !errors.Is(err, security.ErrExecutionFailed) {
		t.Fatalf("got %v, want ExecutionFailed", err)
	}
	if rl.InFlight("t") != 0 {
		t.Errorf("permit leaked after panic")
	}
}

func TestExecuteReleasesOnTimeout(t *testing.T) {
	rl := NewResourceLimiter(nil, Limits{MaxConcurrent: 1, AcquireTimeout: 50 * time.Millisecond})
	_, err := Execute(context.Background(), rl, "t", "u", 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, nil
	})
	if !errors.Is(err, security.ErrExecutionTimeout) {
		t.Fatalf("got %v, want ExecutionTimeout", err)
	}
	p, err := rl.Acquire(context.Background(), "t", "u")
	if err != nil {
		t.Fatalf("slot not released after timeout: %v", err)
	}
	p.Release()
}

func TestUsage(t *testing.T) {
	clock := newFakeClock()
	rl := NewResourceLimiter(
		NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 10}, WithClock(clock.Now)),
		Limits{MaxConcurrent: 2},
	)
	p, err := rl.Acquire(context.Background(), "t", "u")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	u := rl.Usage("t", "u")
	if u.Concurrency != 0.5 {
		t.Errorf("concurrency usage = %v, want 0.5", u.Concurrency)
	}
	if u.Rate < 0.09 || u.Rate > 0.11 {
		t.Errorf("rate usage = %v, want about 0.1", u.Rate)
	}
	if u.Max() != 0.5 {
		t.Errorf("Max = %v", u.Max())
	}
}
