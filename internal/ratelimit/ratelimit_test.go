package ratelimit

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wudi/apron/internal/config"
)

func TestSlidingWindowAdmitsUpToMax(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := sw.TryAcquire(ctx, "route")
		if !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
		if d.Remaining != 3-i-1 {
			t.Fatalf("request %d remaining = %d, want %d", i+1, d.Remaining, 3-i-1)
		}
	}

	d := sw.TryAcquire(ctx, "route")
	if d.Allowed {
		t.Fatal("request 4 allowed, want rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestSlidingWindowRecovery(t *testing.T) {
	base := time.Now()
	current := base

	sw := NewSlidingWindow(2, 10*time.Second)
	sw.now = func() time.Time { return current }
	ctx := context.Background()

	sw.TryAcquire(ctx, "k")
	sw.TryAcquire(ctx, "k")
	if d := sw.TryAcquire(ctx, "k"); d.Allowed {
		t.Fatal("third request allowed, want rejected")
	}

	// Advance past the window: both slots free again.
	current = base.Add(11 * time.Second)
	if d := sw.TryAcquire(ctx, "k"); !d.Allowed {
		t.Fatal("request after window expiry rejected, want allowed")
	}
}

func TestSlidingWindowRetryAfterTracksOldest(t *testing.T) {
	base := time.Now()
	current := base

	sw := NewSlidingWindow(1, 10*time.Second)
	sw.now = func() time.Time { return current }
	ctx := context.Background()

	sw.TryAcquire(ctx, "k")

	current = base.Add(4 * time.Second)
	d := sw.TryAcquire(ctx, "k")
	if d.Allowed {
		t.Fatal("second request allowed, want rejected")
	}
	if d.RetryAfter != 6*time.Second {
		t.Fatalf("RetryAfter = %v, want 6s", d.RetryAfter)
	}
	if got := sw.RetryAfter("k"); got != 6*time.Second {
		t.Fatalf("RetryAfter(k) = %v, want 6s", got)
	}
	if got := sw.RetryAfter("other"); got != 0 {
		t.Fatalf("RetryAfter(other) = %v, want 0 for untouched key", got)
	}
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	ctx := context.Background()

	if d := sw.TryAcquire(ctx, "a"); !d.Allowed {
		t.Fatal("first request for key a rejected")
	}
	if d := sw.TryAcquire(ctx, "a"); d.Allowed {
		t.Fatal("second request for key a allowed, want rejected")
	}
	if d := sw.TryAcquire(ctx, "b"); !d.Allowed {
		t.Fatal("request for key b rejected, keys must not share counters")
	}
}

func TestSlidingWindowConcurrent(t *testing.T) {
	sw := NewSlidingWindow(50, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if sw.TryAcquire(ctx, "shared").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("allowed = %d, want exactly 50 of 200", allowed)
	}
}

func TestTokenBucketBurstThenReject(t *testing.T) {
	tb := NewTokenBucket(5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d := tb.TryAcquire(ctx, "k"); !d.Allowed {
			t.Fatalf("request %d rejected inside burst", i+1)
		}
	}

	d := tb.TryAcquire(ctx, "k")
	if d.Allowed {
		t.Fatal("request past burst allowed, want rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	// 10 per 100ms refills one token every 10ms.
	tb := NewTokenBucket(10, 100*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tb.TryAcquire(ctx, "k")
	}
	if d := tb.TryAcquire(ctx, "k"); d.Allowed {
		t.Fatal("drained bucket allowed a request")
	}

	time.Sleep(30 * time.Millisecond)
	if d := tb.TryAcquire(ctx, "k"); !d.Allowed {
		t.Fatal("bucket did not refill after waiting")
	}
}

func TestNewStrategySelection(t *testing.T) {
	tests := []struct {
		strategy string
		wantErr  bool
	}{
		{"", false},
		{"sliding-window", false},
		{"token-bucket", false},
		{"distributed", true}, // no redis client supplied
		{"leaky-bucket", true},
	}

	for _, tt := range tests {
		cfg := config.RateLimitConfig{
			Strategy: tt.strategy,
			Max:      10,
			Window:   config.Duration(time.Minute),
		}
		lim, err := New(cfg, nil)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("New(%q) error = nil, want error", tt.strategy)
			}
			continue
		}
		if err != nil {
			t.Fatalf("New(%q) error = %v", tt.strategy, err)
		}
		if lim == nil {
			t.Fatalf("New(%q) returned nil limiter", tt.strategy)
		}
	}
}

func TestKeyFunc(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.RemoteAddr = "10.1.2.3:5555"

	routeKey := KeyFunc("users-route", "")
	if got := routeKey(r); got != "users-route" {
		t.Fatalf("route key = %q, want users-route", got)
	}

	ipKey := KeyFunc("users-route", "ip")
	if got := ipKey(r); got != "users-route:10.1.2.3" {
		t.Fatalf("ip key = %q, want users-route:10.1.2.3", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		xri    string
		remote string
		want   string
	}{
		{"forwarded single", "203.0.113.9", "", "10.0.0.1:80", "203.0.113.9"},
		{"forwarded chain", "203.0.113.9, 10.0.0.2", "", "10.0.0.1:80", "203.0.113.9"},
		{"real ip", "", "198.51.100.4", "10.0.0.1:80", "198.51.100.4"},
		{"remote addr", "", "", "192.0.2.7:1234", "192.0.2.7"},
		{"remote addr no port", "", "", "192.0.2.7", "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(r); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
