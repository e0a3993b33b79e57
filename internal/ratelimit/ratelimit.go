// Package ratelimit implements the resource limiter: a token bucket per
// (tool, user) pair, a counting semaphore per tool, and a timeout race
// around execution.
//
// Token buckets are refilled lazily on each call; there are no background
// goroutines. Rate-limit state lives in process memory only.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

// ErrRateLimited is returned when a bucket is empty.
var ErrRateLimited = security.ErrRateLimitExceeded

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// State is a point-in-time view of one bucket.
type State struct {
	Capacity      float64   `json:"capacity"`
	RefillRate    float64   `json:"refill_rate"` // tokens per second
	CurrentTokens float64   `json:"current_tokens"`
	LastRefill    time.Time `json:"last_refill"`
}

// Used returns how much of the bucket is consumed, from 0 (full) to 1 (empty).
func (s State) Used() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return 1 - s.CurrentTokens/s.Capacity
}

// Limiter is a keyed token bucket rate limiter.
// Each key gets an independent bucket; one key cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Used by tests to advance time deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the bucket key for a (tool, user) pair.
func Key(toolID, userID string) string { return toolID + "\x00" + userID }

// Allow consumes one token from key's bucket.
// Returns ErrRateLimited if the bucket is empty. Never blocks.
func (l *Limiter) Allow(key string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key, l.now())
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// refill returns key's bucket topped up to now. Caller holds mu.
func (l *Limiter) refill(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastFill = now
	}
	return b
}

// State reports key's bucket without consuming a token.
func (l *Limiter) State(key string) State {
	s := State{Capacity: l.burst, RefillRate: l.rate, CurrentTokens: l.burst}
	if l.rate <= 0 {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		s.LastRefill = now
		return s
	}
	b = l.refill(key, now)
	s.CurrentTokens = b.tokens
	s.LastRefill = b.lastFill
	return s
}

// RetryAfter estimates how long until key's bucket holds one token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	s := l.State(key)
	if s.CurrentTokens >= 1 || s.RefillRate <= 0 {
		return 0
	}
	return time.Duration((1 - s.CurrentTokens) / s.RefillRate * float64(time.Second))
}

// Prune drops buckets that have been idle for at least idle and would be
// full again by now. Dropping a full bucket does not change behavior.
// Returns the number of buckets removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		elapsed := now.Sub(b.lastFill)
		if elapsed < idle {
			continue
		}
		if l.rate > 0 && b.tokens+elapsed.Seconds()*l.rate < l.burst {
			continue
		}
		delete(l.buckets, key)
		removed++
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
