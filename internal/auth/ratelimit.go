package auth

import (
	"context"
	"sync"
	"time"
)

// EndpointClass groups routes that share a rate-limit budget.
type EndpointClass string

const (
	ClassLogin     EndpointClass = "login"
	ClassMFAVerify EndpointClass = "mfa_verify"
	ClassRefresh   EndpointClass = "refresh"
	ClassOAuth     EndpointClass = "oauth"
	ClassAPI       EndpointClass = "api"
)

// WindowLimit is a fixed-window budget.
type WindowLimit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits mirrors the per-class budgets on auth-sensitive routes.
func DefaultLimits() map[EndpointClass]WindowLimit {
	return map[EndpointClass]WindowLimit{
		ClassLogin:     {Max: 5, Window: 15 * time.Minute},
		ClassMFAVerify: {Max: 10, Window: 5 * time.Minute},
		ClassRefresh:   {Max: 60, Window: time.Hour},
		ClassOAuth:     {Max: 30, Window: time.Hour},
		ClassAPI:       {Max: 1000, Window: time.Hour},
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// CounterStore increments a windowed counter and reports the count together
// with the time left until the window resets. Implementations must be safe
// for concurrent use; a shared implementation (e.g. Redis) is required for
// multi-instance deployments.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// RateLimiter bounds request rate per (subject, endpoint class).
type RateLimiter struct {
	store  CounterStore
	limits map[EndpointClass]WindowLimit
}

// NewRateLimiter constructs a limiter over the given counter store. Nil
// limits fall back to DefaultLimits.
func NewRateLimiter(store CounterStore, limits map[EndpointClass]WindowLimit) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &RateLimiter{store: store, limits: limits}
}

// Check consumes one unit of the subject's budget for the class. On deny,
// RetryAfter carries the remaining time to window reset. Unknown classes are
// allowed: only classified endpoints are limited.
func (l *RateLimiter) Check(ctx context.Context, subject string, class EndpointClass) (Decision, error) {
	limit, ok := l.limits[class]
	if !ok || subject == "" {
		return Decision{Allowed: true}, nil
	}
	count, resetIn, err := l.store.Incr(ctx, string(class)+":"+subject, limit.Window)
	if err != nil {
		// Fail open: an unavailable counter store must not take down login.
		return Decision{Allowed: true, Limit: limit.Max}, err
	}
	remaining := limit.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if count > int64(limit.Max) {
		return Decision{Allowed: false, Limit: limit.Max, Remaining: 0, RetryAfter: resetIn}, nil
	}
	return Decision{Allowed: true, Limit: limit.Max, Remaining: remaining}, nil
}

// MemoryCounterStore is a per-process CounterStore. Counters are local to the
// instance, which under-enforces limits behind a load balancer; acceptable
// only for single-instance deployments.
type MemoryCounterStore struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	now     func() time.Time
}

type windowBucket struct {
	windowStart time.Time
	count       int64
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore constructs an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		buckets: make(map[string]*windowBucket),
		now:     time.Now,
	}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &windowBucket{windowStart: now}
		s.buckets[key] = b
	}
	b.count++
	resetIn := window - now.Sub(b.windowStart)
	return b.count, resetIn, nil
}

// PurgeExpired drops buckets whose window has fully elapsed.
func (s *MemoryCounterStore) PurgeExpired(maxWindow time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.windowStart) >= maxWindow {
			delete(s.buckets, key)
		}
	}
}
