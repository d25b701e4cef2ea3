// Package ratelimit rejects requests that exceed a configured rate.
//
// Three strategies are available: a sliding-window timestamp log (the
// default), a token bucket, and a Redis-backed sliding window shared
// across gateway replicas. All limiters answer through the same
// Decision shape so the proxy pipeline treats them uniformly.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/apron/internal/config"
)

// Decision is the outcome of a single acquire attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until a slot frees up. Only meaningful
	// when Allowed is false.
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for a key. The key scopes the
// counter: a route-wide limiter passes a constant key, a per-client
// limiter passes the client IP.
type Limiter interface {
	TryAcquire(ctx context.Context, key string) Decision
}

// New builds a limiter from route config. The Redis client is required
// only for the distributed strategy.
func New(cfg config.RateLimitConfig, rdb *redis.Client) (Limiter, error) {
	window := cfg.Window.Std()
	switch cfg.Strategy {
	case "", "sliding-window":
		return NewSlidingWindow(cfg.Max, window), nil
	case "token-bucket":
		return NewTokenBucket(cfg.Max, window), nil
	case "distributed":
		if rdb == nil {
			return nil, fmt.Errorf("ratelimit: distributed strategy requires a redis connection")
		}
		return NewDistributed(rdb, cfg.Max, window), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown strategy %q", cfg.Strategy)
	}
}

// KeyFunc returns the key extractor for a route. With keyBy empty the
// whole route shares one counter; with "ip" each client IP gets its own.
func KeyFunc(routeID, keyBy string) func(*http.Request) string {
	if keyBy == "ip" {
		prefix := routeID + ":"
		return func(r *http.Request) string {
			return prefix + ClientIP(r)
		}
	}
	return func(*http.Request) string { return routeID }
}

// ClientIP resolves the originating client address, preferring proxy
// headers over the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
