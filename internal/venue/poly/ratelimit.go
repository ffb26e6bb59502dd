// ratelimit.go implements token-bucket rate limiting for the CLOB API.
//
// Polymarket enforces per-category limits measured in requests per
// 10-second window. The buckets refill continuously rather than in 10s
// bursts so sustained traffic never hits a hard limit edge.
package poly

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling rate limiter. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by CLOB endpoint category.
type RateLimiter struct {
	Order  *TokenBucket // POST /order
	Cancel *TokenBucket // DELETE /order
	Book   *TokenBucket // GET /book
}

// NewRateLimiter tunes buckets to Polymarket's published limits:
// capacities match the 10-second burst allowance, rates are 1/10th of it
// for smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s window
		Book:   NewTokenBucket(150, 15), // 1500 per 10s window
	}
}
