package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when no token becomes available within
// the caller's wait budget. Retryable; callers should back off.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// BucketConfig sets capacity and sustained refill for one endpoint class.
type BucketConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// Limiter is an account-wide token-bucket admission controller keyed by
// vendor endpoint class. It is shared by all pollers, so critical sections
// stay limited to refill/consume arithmetic; waiting happens outside the
// lock.
type Limiter struct {
	defaults  BucketConfig
	overrides map[string]BucketConfig
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	cfg        BucketConfig
	tokens     float64
	lastRefill time.Time
}

// Option configures the limiter.
type Option func(*Limiter)

// WithBucket overrides the bucket config for one endpoint class.
func WithBucket(endpointKey string, cfg BucketConfig) Option {
	return func(l *Limiter) {
		if endpointKey != "" {
			l.overrides[endpointKey] = cfg
		}
	}
}

// WithClock injects a clock, used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter constructs a limiter with shared defaults.
func NewLimiter(defaults BucketConfig, opts ...Option) (*Limiter, error) {
	if defaults.Capacity < 1 || defaults.RefillPerSec <= 0 {
		return nil, errors.New("ratelimit: invalid default bucket config")
	}
	l := &Limiter{
		defaults:  defaults,
		overrides: make(map[string]BucketConfig),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check reports whether a token is currently available for the endpoint
// class without consuming one.
func (l *Limiter) Check(endpointKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(endpointKey)
	l.refillLocked(b)
	return b.tokens >= 1
}

// Acquire consumes one token for the endpoint class, waiting up to maxWait
// for refill. A cancelled context never consumes a token.
func (l *Limiter) Acquire(ctx context.Context, endpointKey string, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)
	for {
		wait, ok := l.tryConsume(endpointKey, deadline)
		if ok {
			return nil
		}
		if wait < 0 {
			return ErrRateLimitExceeded
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryConsume attempts a consume. On failure it returns the wait until the
// next token, or a negative duration when that wait would pass deadline.
func (l *Limiter) tryConsume(endpointKey string, deadline time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(endpointKey)
	l.refillLocked(b)
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	wait := time.Duration((1 - b.tokens) / b.cfg.RefillPerSec * float64(time.Second))
	if l.now().Add(wait).After(deadline) {
		return -1, false
	}
	return wait, false
}

func (l *Limiter) bucketLocked(endpointKey string) *bucket {
	b, ok := l.buckets[endpointKey]
	if ok {
		return b
	}
	cfg := l.defaults
	if override, ok := l.overrides[endpointKey]; ok {
		cfg = override
	}
	b = &bucket{cfg: cfg, tokens: cfg.Capacity, lastRefill: l.now()}
	l.buckets[endpointKey] = b
	return b
}

func (l *Limiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.cfg.RefillPerSec
	if b.tokens > b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
	}
	b.lastRefill = now
}
