// Package ratelimit implements a per-client token bucket rate limiter.
// Thread-safe. No background goroutines: tokens refill lazily on each
// Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in a bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter hands out tokens per client ID. Each client gets an
// independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter. A zero RequestsPerMinute disables
// limiting entirely.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token from the client's bucket, refilling first
// based on elapsed time. Returns ErrRateLimited when empty.
func (l *Limiter) Allow(clientID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[clientID]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[clientID] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets that have been full (idle) longer than age,
// bounding memory for long-lived processes with many one-off clients.
func (l *Limiter) Prune(age time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-age)
	removed := 0
	for id, b := range l.buckets {
		if b.lastFill.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}
