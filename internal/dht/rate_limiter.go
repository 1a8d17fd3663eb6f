package dht

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per peer address
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*peerBucket
}

type peerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per second per peer with the given burst.
// Buckets unused for idle are dropped by Cleanup.
func NewRateLimiter(limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*peerBucket),
	}
}

// Allow checks if a request from peer should be allowed
func (rl *RateLimiter) Allow(peer string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[peer]
	if !exists {
		b = &peerBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[peer] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Cleanup drops buckets of peers that have been quiet for the idle period and returns how many
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.idle)
	removed := 0
	for peer, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, peer)
			removed++
		}
	}
	return removed
}

// Peers returns the number of tracked peers
func (rl *RateLimiter) Peers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
