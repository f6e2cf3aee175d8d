package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ RateLimiter = (*KeyedLimiter)(nil)

// NewKeyedLimiter allows perSecond requests per key with the given burst.
// Buckets untouched for longer than idle are dropped by Cleanup.
func NewKeyedLimiter(perSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*keyedEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow implements RateLimiter
func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1), nil
}

// Cleanup removes buckets idle for longer than the configured window
// and returns how many were dropped.
func (l *KeyedLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
