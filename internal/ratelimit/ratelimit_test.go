package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterBurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 10}, WithClock(clock.Now))
	key := Key("list_directory", "alice")

	for i := range 10 {
		if err := l.Allow(key); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	if err := l.Allow(key); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th call: got %v, want ErrRateLimited", err)
	}

	clock.Advance(time.Second)
	if err := l.Allow(key); err != nil {
		t.Fatalf("after 1s: unexpected error: %v", err)
	}
	if err := l.Allow(key); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("only one token should have refilled, got %v", err)
	}
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3}, WithClock(clock.Now))
	key := Key("t", "u")
	for range 3 {
		_ = l.Allow(key)
	}
	clock.Advance(time.Hour)
	allowed := 0
	for range 10 {
		if l.Allow(key) == nil {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d after long idle, want 3", allowed)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 1}, WithClock(clock.Now))
	if err := l.Allow(Key("t", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow(Key("t", "alice")); err == nil {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow(Key("t", "bob")); err != nil {
		t.Errorf("bob must not share alice's bucket: %v", err)
	}
	if err := l.Allow(Key("other", "alice")); err != nil {
		t.Errorf("buckets are per tool: %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("unlimited limiter refused: %v", err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter should not track buckets, got %d", l.Len())
	}
}

func TestLimiterStateAndRetryAfter(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 4}, WithClock(clock.Now))
	key := Key("t", "u")

	if s := l.State(key); s.CurrentTokens != 4 || s.Used() != 0 {
		t.Errorf("fresh state = %+v", s)
	}
	for range 4 {
		_ = l.Allow(key)
	}
	s := l.State(key)
	if s.CurrentTokens != 0 || s.Used() != 1 {
		t.Errorf("drained state = %+v", s)
	}
	if s.RefillRate != 1 || s.Capacity != 4 {
		t.Errorf("unexpected rate/capacity: %+v", s)
	}
	if got := l.RetryAfter(key); got != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", got)
	}
	clock.Advance(500 * time.Millisecond)
	if got := l.RetryAfter(key); got != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", got)
	}
}

func TestLimiterPrune(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 10}, WithClock(clock.Now))
	_ = l.Allow("idle")
	clock.Advance(time.Minute)
	for range 10 {
		_ = l.Allow("busy")
	}

	if n := l.Prune(30 * time.Second); n != 1 {
		t.Fatalf("pruned %d buckets, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
	// The busy bucket survived with its drained state.
	if err := l.Allow("busy"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("busy bucket lost its state: %v", err)
	}
}
