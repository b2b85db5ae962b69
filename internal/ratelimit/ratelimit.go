package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	if add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate)); add > 0 {
		tb.tokens = min(tb.tokens+add, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}

// Limiter gates accepted client connections by a global rate and a
// per-source-address rate. A zero rate disables that limit.
type Limiter struct {
	mu         sync.Mutex
	global     *TokenBucket
	perSource  map[string]*TokenBucket
	sourceRate int
	burst      int
}

// NewLimiter creates a limiter; rates are connections per second. A burst
// below one is raised to one.
func NewLimiter(globalRate, perSourceRate, burst int) *Limiter {
	burst = max(burst, 1)
	l := &Limiter{
		perSource:  make(map[string]*TokenBucket),
		sourceRate: perSourceRate,
		burst:      burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.global != nil || l.sourceRate > 0)
}

// Allow reports whether a new connection from source may proceed.
// A nil Limiter allows everything.
func (l *Limiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.sourceRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perSource[source]
	if !ok {
		bucket = NewTokenBucket(l.sourceRate, l.burst)
		l.perSource[source] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Sweep drops per-source buckets unused for longer than idle and returns
// how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for src, b := range l.perSource {
		if b.idleSince(cutoff) {
			delete(l.perSource, src)
			removed++
		}
	}
	return removed
}
