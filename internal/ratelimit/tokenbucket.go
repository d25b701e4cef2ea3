package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits requests from a refilling bucket per key. The
// refill rate is max/window and the burst equals max, so a quiet key
// can absorb a full window's worth of traffic at once.
type TokenBucket struct {
	limit  rate.Limit
	burst  int
	max    int
	window time.Duration
	keys   *keyedState[*bucketEntry]
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a token-bucket limiter. Zero or negative
// window falls back to one minute.
func NewTokenBucket(max int, window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Minute
	}
	tb := &TokenBucket{
		limit:  rate.Limit(float64(max) / window.Seconds()),
		burst:  max,
		max:    max,
		window: window,
		keys:   newKeyedState[*bucketEntry](),
	}
	go tb.janitor()
	return tb
}

// TryAcquire takes one token from the key's bucket. When the bucket is
// empty the reservation is cancelled and its delay reported as
// RetryAfter.
func (tb *TokenBucket) TryAcquire(_ context.Context, key string) Decision {
	now := time.Now()

	m, mu := tb.keys.lock(key)
	e, ok := m[key]
	if !ok {
		e = &bucketEntry{lim: rate.NewLimiter(tb.limit, tb.burst)}
		m[key] = e
	}
	e.lastSeen = now
	lim := e.lim
	mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Allowed: false, Limit: tb.max, RetryAfter: tb.window}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, Limit: tb.max, RetryAfter: delay}
	}

	return Decision{Allowed: true, Limit: tb.max, Remaining: int(lim.TokensAt(now))}
}

func (tb *TokenBucket) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * tb.window)
		tb.keys.sweep(func(_ string, e *bucketEntry) bool {
			return e.lastSeen.Before(cutoff)
		})
	}
}
