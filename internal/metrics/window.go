package metrics

import (
	"sort"
	"sync"
	"time"
)

// Outcome classifies a recorded call.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

const (
	// DefaultWindow is the sliding window applied when none is configured.
	DefaultWindow = 60 * time.Second
	// ringCapacity bounds the number of retained observations per window.
	// When full, the oldest observation is overwritten.
	ringCapacity = 8192
)

type record struct {
	at       time.Time
	outcome  Outcome
	duration time.Duration
	reason   string
}

// Collector maintains request outcomes over a sliding time window W,
// evicting observations older than W on every read and write. All methods
// are safe for concurrent callers.
type Collector struct {
	mu      sync.Mutex
	window  time.Duration
	records []record
	head    int
	count   int

	now func() time.Time
}

// NewCollector creates a collector over the given window. A zero or
// negative window falls back to DefaultWindow.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Collector{
		window:  window,
		records: make([]record, ringCapacity),
		now:     time.Now,
	}
}

// RecordSuccess records a successful call with its duration.
func (c *Collector) RecordSuccess(d time.Duration) {
	c.record(record{outcome: Success, duration: d})
}

// RecordFailure records a failed call with its duration and an optional
// reason tag.
func (c *Collector) RecordFailure(d time.Duration, reason string) {
	c.record(record{outcome: Failure, duration: d, reason: reason})
}

func (c *Collector) record(rec record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.at = c.now()
	c.evict(rec.at)

	if c.count == len(c.records) {
		// Ring is full: overwrite the oldest observation.
		c.records[c.head] = rec
		c.head = (c.head + 1) % len(c.records)
		return
	}
	c.records[(c.head+c.count)%len(c.records)] = rec
	c.count++
}

// evict drops observations older than the window. Callers must hold mu.
func (c *Collector) evict(now time.Time) {
	cutoff := now.Add(-c.window)
	for c.count > 0 && c.records[c.head].at.Before(cutoff) {
		c.head = (c.head + 1) % len(c.records)
		c.count--
	}
}

// Snapshot is a read-only view over the retained window.
type Snapshot struct {
	TotalCalls     int64            `json:"totalCalls"`
	SuccessCalls   int64            `json:"successCalls"`
	FailureCalls   int64            `json:"failureCalls"`
	FailureRate    float64          `json:"failureRate"` // percent, 0-100
	AvgMs          float64          `json:"averageResponseTimeMs"`
	P50Ms          float64          `json:"p50Ms"`
	P95Ms          float64          `json:"p95Ms"`
	P99Ms          float64          `json:"p99Ms"`
	MinMs          float64          `json:"minMs"`
	MaxMs          float64          `json:"maxMs"`
	FailureReasons map[string]int64 `json:"failureReasons,omitempty"`
	WindowMs       int64            `json:"windowMs"`
}

// GetSnapshot computes a snapshot over the currently retained
// observations.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()

	c.evict(c.now())

	snap := Snapshot{WindowMs: c.window.Milliseconds()}
	durations := make([]time.Duration, 0, c.count)
	var sum time.Duration

	for i := 0; i < c.count; i++ {
		rec := c.records[(c.head+i)%len(c.records)]
		snap.TotalCalls++
		if rec.outcome == Success {
			snap.SuccessCalls++
		} else {
			snap.FailureCalls++
			if rec.reason != "" {
				if snap.FailureReasons == nil {
					snap.FailureReasons = make(map[string]int64)
				}
				snap.FailureReasons[rec.reason]++
			}
		}
		durations = append(durations, rec.duration)
		sum += rec.duration
	}
	c.mu.Unlock()

	if snap.TotalCalls == 0 {
		return snap
	}

	snap.FailureRate = float64(snap.FailureCalls) / float64(snap.TotalCalls) * 100

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	snap.AvgMs = ms(sum) / float64(len(durations))
	snap.MinMs = ms(durations[0])
	snap.MaxMs = ms(durations[len(durations)-1])
	snap.P50Ms = ms(percentile(durations, 0.50))
	snap.P95Ms = ms(percentile(durations, 0.95))
	snap.P99Ms = ms(percentile(durations, 0.99))

	return snap
}

// GetFailureRate returns the failure percentage over the retained window.
func (c *Collector) GetFailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(c.now())

	if c.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < c.count; i++ {
		if c.records[(c.head+i)%len(c.records)].outcome == Failure {
			failures++
		}
	}
	return float64(failures) / float64(c.count) * 100
}

// TotalCalls returns the number of retained observations.
func (c *Collector) TotalCalls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(c.now())
	return int64(c.count)
}

// Reset discards all observations.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.head = 0
	c.count = 0
	c.mu.Unlock()
}

// percentile picks from a sorted slice: floor(n*q), clamped to the
// last element.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
