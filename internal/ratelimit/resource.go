package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/toolgate/internal/security"
)

const (
	DefaultMaxConcurrent  = 4
	DefaultAcquireTimeout = 5 * time.Second
)

// Limits bounds concurrent use of one tool.
type Limits struct {
	MaxConcurrent  int
	AcquireTimeout time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = DefaultMaxConcurrent
	}
	if l.AcquireTimeout <= 0 {
		l.AcquireTimeout = DefaultAcquireTimeout
	}
	return l
}

type slots struct {
	sem      *semaphore.Weighted
	limits   Limits
	inFlight atomic.Int64
}

// ResourceLimiter combines the per-(tool, user) rate limit with a
// per-tool concurrency cap. Safe for concurrent use.
type ResourceLimiter struct {
	rate     *Limiter
	defaults Limits

	mu    sync.Mutex
	tools map[string]*slots
}

// NewResourceLimiter creates a limiter. defaults applies to tools that
// were never registered.
func NewResourceLimiter(rate *Limiter, defaults Limits) *ResourceLimiter {
	return &ResourceLimiter{
		rate:     rate,
		defaults: defaults.withDefaults(),
		tools:    make(map[string]*slots),
	}
}

// Register sizes the semaphore of toolID. Registering twice replaces the
// limits for future acquisitions only.
func (r *ResourceLimiter) Register(toolID string, limits Limits) {
	limits = limits.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[toolID] = &slots{
		sem:    semaphore.NewWeighted(int64(limits.MaxConcurrent)),
		limits: limits,
	}
}

func (r *ResourceLimiter) slotsFor(toolID string) *slots {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tools[toolID]
	if !ok {
		s = &slots{
			sem:    semaphore.NewWeighted(int64(r.defaults.MaxConcurrent)),
			limits: r.defaults,
		}
		r.tools[toolID] = s
	}
	return s
}

// Permit is a held concurrency slot. Release is idempotent and nil-safe,
// so callers can always defer it.
type Permit struct {
	ToolID   string
	UserID   string
	Acquired time.Time

	once    sync.Once
	release func()
}

// Release returns the slot.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// Acquire checks the rate limit, failing fast when the bucket is empty,
// then waits for a concurrency slot up to the tool's acquire timeout.
func (r *ResourceLimiter) Acquire(ctx context.Context, toolID, userID string) (*Permit, error) {
	key := Key(toolID, userID)
	if r.rate != nil {
		if err := r.rate.Allow(key); err != nil {
			retry := r.rate.RetryAfter(key)
			return nil, security.NewError(security.CodeRateLimitExceeded,
				"rate limit exceeded for %s", toolID).
				WithDetail("tool_id", toolID).
				WithDetail("retry_after_ms", retry.Milliseconds())
		}
	}

	s := r.slotsFor(toolID)
	acquireCtx, cancel := context.WithTimeout(ctx, s.limits.AcquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for %s slot: %w", toolID, ctx.Err())
		}
		return nil, security.NewError(security.CodeResourceLimitExceeded,
			"no execution slot for %s within %s", toolID, s.limits.AcquireTimeout).
			WithDetail("tool_id", toolID).
			WithDetail("max_concurrent", s.limits.MaxConcurrent)
	}
	s.inFlight.Add(1)

	return &Permit{
		ToolID:   toolID,
		UserID:   userID,
		Acquired: time.Now(),
		release: func() {
			s.inFlight.Add(-1)
			s.sem.Release(1)
		},
	}, nil
}

// Usage reports how close a caller is to each limit, as fractions in [0, 1].
type Usage struct {
	Rate        float64 `json:"rate"`
	Concurrency float64 `json:"concurrency"`
}

// Max returns the larger of the two fractions.
func (u Usage) Max() float64 { return max(u.Rate, u.Concurrency) }

// Usage snapshots the limits for (toolID, userID).
func (r *ResourceLimiter) Usage(toolID, userID string) Usage {
	var u Usage
	if r.rate != nil {
		u.Rate = r.rate.State(Key(toolID, userID)).Used()
	}
	s := r.slotsFor(toolID)
	u.Concurrency = float64(s.inFlight.Load()) / float64(s.limits.MaxConcurrent)
	return u
}

// InFlight returns the number of permits currently held for toolID.
func (r *ResourceLimiter) InFlight(toolID string) int {
	return int(r.slotsFor(toolID).inFlight.Load())
}

// Rate exposes the underlying token bucket limiter.
func (r *ResourceLimiter) Rate() *Limiter { return r.rate }

// Run races fn against timeout. On expiry fn's context is cancelled and
// ExecutionTimeout is returned without waiting for fn. A panic in fn is
// recovered and returned as ExecutionFailed. A zero timeout only honors ctx.
// When ctx ends first, its own error is returned.
func Run[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: security.NewError(security.CodeExecutionFailed, "tool panicked: %v", rec)}
			}
		}()
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		if timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, security.NewError(security.CodeExecutionTimeout,
				"execution exceeded %s", timeout).
				WithDetail("timeout_ms", timeout.Milliseconds())
		}
		return zero, ctx.Err()
	}
}

// Execute acquires a permit, runs fn under timeout, and releases the permit
// on every path, including panics and timeouts.
func Execute[T any](ctx context.Context, r *ResourceLimiter, toolID, userID string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	permit, err := r.Acquire(ctx, toolID, userID)
	if err != nil {
		var zero T
		return zero, err
	}
	defer permit.Release()
	return Run(ctx, timeout, fn)
}
