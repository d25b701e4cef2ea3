package ratelimit

import (
	"context"
	"time"
)

// entry keeps the admitted timestamps for one key, newest last.
type entry struct {
	stamps   []time.Time
	lastSeen time.Time
}

// SlidingWindow admits at most max requests per window by keeping a log
// of admitted timestamps and pruning those that have left the window.
// Rejections report how long until the oldest retained timestamp exits.
type SlidingWindow struct {
	max    int
	window time.Duration
	keys   *keyedState[*entry]

	now func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter. Zero or negative
// window falls back to one minute.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	sw := &SlidingWindow{
		max:    max,
		window: window,
		keys:   newKeyedState[*entry](),
		now:    time.Now,
	}
	go sw.janitor()
	return sw
}

// TryAcquire records a timestamp and admits the request when fewer than
// max timestamps remain inside the window, otherwise rejects.
func (sw *SlidingWindow) TryAcquire(_ context.Context, key string) Decision {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	m, mu := sw.keys.lock(key)
	e, ok := m[key]
	if !ok {
		e = &entry{}
		m[key] = e
	}
	e.lastSeen = now

	// Drop timestamps that left the window. The log is append-only so
	// expired entries form a prefix.
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}

	if len(e.stamps) >= sw.max {
		retry := e.stamps[0].Add(sw.window).Sub(now)
		mu.Unlock()
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: sw.max, RetryAfter: retry}
	}

	e.stamps = append(e.stamps, now)
	remaining := sw.max - len(e.stamps)
	mu.Unlock()

	return Decision{Allowed: true, Limit: sw.max, Remaining: remaining}
}

// RetryAfter reports the wait until the key's oldest retained timestamp
// exits the window, without consuming a slot.
func (sw *SlidingWindow) RetryAfter(key string) time.Duration {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	m, mu := sw.keys.lock(key)
	defer mu.Unlock()

	e, ok := m[key]
	if !ok {
		return 0
	}
	for _, ts := range e.stamps {
		if ts.After(cutoff) {
			return ts.Add(sw.window).Sub(now)
		}
	}
	return 0
}

// janitor drops keys idle for more than two windows.
func (sw *SlidingWindow) janitor() {
	interval := 5 * time.Minute
	if sw.window > interval {
		interval = sw.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := sw.now().Add(-2 * sw.window)
		sw.keys.sweep(func(_ string, e *entry) bool {
			return e.lastSeen.Before(cutoff)
		})
	}
}
