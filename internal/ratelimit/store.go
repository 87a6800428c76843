// Package ratelimit implements per-key token-bucket admission. Buckets live
// in Redis, updated atomically by a Lua script, or in local memory; the
// Limiter switches to the local store when Redis cannot be reached.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrStoreClosed is returned by Take after Close.
var ErrStoreClosed = errors.New("rate limit store is closed")

// Limit is a token-bucket configuration.
type Limit struct {
	// Rate is the refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int64
	// Cost is the number of tokens one request takes. Zero means 1.
	Cost int64
}

func (l Limit) cost() int64 {
	if l.Cost <= 0 {
		return 1
	}
	return l.Cost
}

// refillTime is how long an empty bucket takes to fill completely.
func (l Limit) refillTime() time.Duration {
	if l.Rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(float64(l.Burst) / l.Rate * float64(time.Second)))
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after this request.
	Remaining int64
	// RetryAfter is the wait until enough tokens exist; zero when allowed.
	RetryAfter time.Duration
}

// Store performs an atomic refill-then-take on the bucket for key.
type Store interface {
	Take(ctx context.Context, key string, limit Limit) (Decision, error)
	Close() error
}

// refill is the shared token-bucket arithmetic: add elapsed*rate tokens
// capped at burst, then take cost if available.
func refill(tokens float64, elapsed time.Duration, limit Limit) (float64, Decision) {
	if elapsed > 0 {
		tokens += elapsed.Seconds() * limit.Rate
	}
	burst := float64(limit.Burst)
	if tokens > burst {
		tokens = burst
	}
	cost := float64(limit.cost())
	if tokens >= cost {
		tokens -= cost
		return tokens, Decision{Allowed: true, Remaining: int64(math.Floor(tokens))}
	}
	var wait time.Duration
	if limit.Rate > 0 {
		wait = time.Duration(math.Ceil((cost - tokens) / limit.Rate * float64(time.Second)))
	}
	return tokens, Decision{Allowed: false, RetryAfter: wait}
}

func microseconds(n int64) time.Duration {
	return time.Duration(n) * time.Microsecond
}
