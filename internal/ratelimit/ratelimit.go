// Package ratelimit implements a per-key token bucket rate limiter.
// Refill uses discrete, floor-based accounting: fractional tokens
// accrued between checks are dropped rather than carried forward, so a
// key that is checked often refills very slightly slower than one
// checked rarely at the same nominal rate. This mirrors the limiter
// this gateway was modeled on and callers should not rely on
// sub-second refill precision.
package ratelimit

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Info describes the bucket state after a Check, enough to populate
// rate-limit response headers and the retry hint in the 429 error
// message.
type Info struct {
	Limit        int
	Remaining    int
	ResetSeconds int
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a registry of per-key token buckets sharing one capacity
// and refill rate.
type Limiter struct {
	mu              sync.Mutex
	buckets         map[string]*tokenBucket
	capacity        float64
	refillPerSecond float64
	now             func() time.Time
}

// New creates a Limiter with the given capacity and refill rate
// (tokens per second). Both must be positive; config validation is the
// caller's responsibility.
func New(capacity, refillPerSecond int) *Limiter {
	return &Limiter{
		buckets:         make(map[string]*tokenBucket),
		capacity:        float64(capacity),
		refillPerSecond: float64(refillPerSecond),
		now:             time.Now,
	}
}

// Allow consumes one token for key if available, refilling the bucket
// first. It returns whether the request is allowed and the resulting
// bucket Info.
func (l *Limiter) Allow(key string) (bool, Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		add := math.Floor(elapsed * l.refillPerSecond)
		if add > 0 {
			b.tokens = math.Min(l.capacity, b.tokens+add)
			b.lastRefill = now
		}
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}

	reset := 0
	if b.tokens < 1 {
		reset = int(math.Ceil((1 - b.tokens) / l.refillPerSecond))
	}

	return allowed, Info{
		Limit:        int(l.capacity),
		Remaining:    int(b.tokens),
		ResetSeconds: reset,
	}
}

// KeyFromRequest selects the rate-limit bucket key for an inbound
// request: the Authorization header's raw value, falling back to the
// first address in X-Forwarded-For, falling back to "unknown". Every
// client without credentials or a forwarding proxy therefore shares a
// single bucket — callers requiring auth should enforce it before this
// ever matters.
func KeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return "unknown"
}
