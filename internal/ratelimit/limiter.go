// Package ratelimit implements a process-local token bucket limiter.
// Unlike a Redis-backed sliding window, every bucket lives only in this
// process's memory: state is never persisted, so a restart starts every
// bucket full rather than replaying history from a shared store.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Scope distinguishes which bucket family a key belongs to.
type Scope string

const (
	ScopePrincipal Scope = "principal"
	ScopeIP        Scope = "ip"
)

// LimitConfig is a bucket's capacity and refill rate.
type LimitConfig struct {
	Capacity     float64
	RefillPerSec float64
}

// PrincipalLimit and IPLimit are the two fixed bucket configurations the
// ingress path uses: authenticated requests are keyed by principal,
// unauthenticated requests by remote IP.
var (
	PrincipalLimit = LimitConfig{Capacity: 100, RefillPerSec: 100.0 / 60.0}
	IPLimit        = LimitConfig{Capacity: 10, RefillPerSec: 10.0 / 60.0}
)

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter holds one bucket per (scope, key) pair, created lazily and
// full on first use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow deducts one token from the bucket identified by (scope, key),
// refilling it first by elapsed time. A rejected request's Decision
// carries the Retry-After duration the caller should wait before
// trying again.
func (l *Limiter) Allow(scope Scope, key string, config LimitConfig) Decision {
	b := l.bucketFor(scope, key, config)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(config.Capacity, b.tokens+elapsed*config.RefillPerSec)
		b.lastRefill = now
	}

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		retryAfter := time.Duration(math.MaxInt64)
		if wait := deficit / config.RefillPerSec; wait < retryAfter.Seconds() {
			retryAfter = time.Duration(math.Ceil(wait*1000)) * time.Millisecond
		}
		return Decision{Allowed: false, Remaining: b.tokens, RetryAfter: retryAfter}
	}

	b.tokens--
	return Decision{Allowed: true, Remaining: b.tokens}
}

func (l *Limiter) bucketFor(scope Scope, key string, config LimitConfig) *bucket {
	full := string(scope) + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[full]; ok {
		return b
	}
	b := &bucket{tokens: config.Capacity, lastRefill: time.Now()}
	l.buckets[full] = b
	return b
}
