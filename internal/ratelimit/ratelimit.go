// Package ratelimit implements NEXUS's per-client token bucket rate limiter
// backed by golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Info describes the outcome of a Check call for a client.
type Info struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// Limiter is a thread-safe registry of one token bucket per client key,
// lazily created on first use and sharing one burst/refill configuration.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    int           // requests allowed per window
	window   time.Duration // window over which limit refills
	lastSeen map[string]time.Time
}

type bucket struct {
	limiter *rate.Limiter
}

// New constructs a Limiter allowing up to limit requests per window per
// client key (default: 60 requests per 60s window).
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		lastSeen: make(map[string]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Check reports whether client may proceed and returns the bucket's current
// state. Each call to Check that is allowed consumes one token.
func (l *Limiter) Check(client string) (bool, Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[client]
	if !ok {
		ratePerSec := rate.Limit(float64(l.limit) / l.window.Seconds())
		b = &bucket{limiter: rate.NewLimiter(ratePerSec, l.limit)}
		l.buckets[client] = b
	}
	l.lastSeen[client] = time.Now()

	allowed := b.limiter.Allow()
	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	if remaining > l.limit {
		remaining = l.limit
	}

	info := Info{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     l.limit,
		ResetAt:   time.Now().Add(l.window),
	}
	return allowed, info
}

// Forget drops a client's bucket, e.g. after prolonged inactivity, so the
// registry doesn't grow unbounded across the lifetime of the process.
func (l *Limiter) Forget(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, client)
	delete(l.lastSeen, client)
}

// Prune removes buckets whose client hasn't been seen within idleFor,
// intended to be called periodically by the owning scheduler.
func (l *Limiter) Prune(idleFor time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idleFor)
	pruned := 0
	for client, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, client)
			delete(l.lastSeen, client)
			pruned++
		}
	}
	return pruned
}

// Size reports the number of tracked client buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
