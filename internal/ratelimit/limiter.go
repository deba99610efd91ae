// Package ratelimit provides a multi-class token-bucket limiter for exchange traffic.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class names an independent request budget. Exhausting one class never
// delays acquisitions in another.
type Class string

const (
	// ClassPublic covers unauthenticated market-data REST calls.
	ClassPublic Class = "public"
	// ClassQuery covers signed read-only REST calls.
	ClassQuery Class = "query"
	// ClassOrder covers signed order-mutating REST calls.
	ClassOrder Class = "order"
	// ClassWSCommand covers outbound websocket subscribe/unsubscribe commands.
	ClassWSCommand Class = "ws_command"
)

// Limit declares the refill rate (tokens per second) and bucket capacity of a class.
type Limit struct {
	Rate  float64
	Burst int
}

// TierLimits returns the venue REST budgets for the given rate-limit tier
// (tier 2 applies above 1B JPY weekly volume).
func TierLimits(tier int) map[Class]Limit {
	perSec := 20.0
	if tier >= 2 {
		perSec = 30.0
	}
	return map[Class]Limit{
		ClassPublic:    {Rate: perSec, Burst: int(perSec)},
		ClassQuery:     {Rate: perSec, Burst: int(perSec)},
		ClassOrder:     {Rate: perSec, Burst: int(perSec)},
		ClassWSCommand: {Rate: 0.5, Burst: 1},
	}
}

// Limiter maintains one token bucket per class. All methods are safe for
// concurrent use; bucket state is shared by every caller of that class.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[Class]*rate.Limiter
}

// New builds a limiter from the provided per-class limits.
func New(limits map[Class]Limit) *Limiter {
	buckets := make(map[Class]*rate.Limiter, len(limits))
	for class, limit := range limits {
		buckets[class] = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
	}
	return &Limiter{buckets: buckets}
}

// SetLimit installs or replaces the budget for a class at runtime.
func (l *Limiter) SetLimit(class Class, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[class] = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
}

// Acquire blocks until one token is available in the class bucket, then debits it.
// It returns an error only when ctx is cancelled before a token frees up.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	return l.AcquireN(ctx, class, 1)
}

// AcquireN blocks until n tokens are available in the class bucket.
func (l *Limiter) AcquireN(ctx context.Context, class Class, n int) error {
	if err := l.bucket(class).WaitN(ctx, n); err != nil {
		return fmt.Errorf("acquire %d %s tokens: %w", n, class, err)
	}
	return nil
}

// TryAcquire reports whether a token was available, debiting it only on success.
func (l *Limiter) TryAcquire(class Class) bool {
	return l.TryAcquireN(class, 1)
}

// TryAcquireN is the non-blocking variant of AcquireN.
func (l *Limiter) TryAcquireN(class Class, n int) bool {
	return l.bucket(class).AllowN(time.Now(), n)
}

func (l *Limiter) tryAcquireNAt(t time.Time, class Class, n int) bool {
	return l.bucket(class).AllowN(t, n)
}

// bucket returns the class bucket, lazily registering an unlimited one for
// classes that were never configured so callers are delayed, never failed.
func (l *Limiter) bucket(class Class) *rate.Limiter {
	l.mu.RLock()
	bucket, ok := l.buckets[class]
	l.mu.RUnlock()
	if ok {
		return bucket
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok = l.buckets[class]; ok {
		return bucket
	}
	bucket = rate.NewLimiter(rate.Inf, 0)
	l.buckets[class] = bucket
	return bucket
}
