package retry

import (
	"sync"
	"time"
)

const budgetBuckets = 10

// Budget caps the ratio of retries to requests over a sliding window
// so a struggling upstream is not buried under a retry storm. A small
// per-second floor keeps retries available at low traffic.
type Budget struct {
	ratio        float64
	minPerSecond int
	window       time.Duration
	bucketDur    time.Duration

	mu       sync.Mutex
	requests [budgetBuckets]int64
	retries  [budgetBuckets]int64
	idx      int
	rolled   time.Time
}

// NewBudget builds a budget allowing retries up to ratio of the
// request volume seen in the window (default 10s), never dropping
// below minPerSecond retries.
func NewBudget(ratio float64, minPerSecond int, window time.Duration) *Budget {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Budget{
		ratio:        ratio,
		minPerSecond: minPerSecond,
		window:       window,
		bucketDur:    window / budgetBuckets,
		rolled:       time.Now(),
	}
}

// RecordRequest counts a first attempt.
func (b *Budget) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.requests[b.idx]++
}

// RecordRetry counts a re-attempt.
func (b *Budget) RecordRetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.retries[b.idx]++
}

// AllowRetry reports whether another retry fits the budget.
func (b *Budget) AllowRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	var reqs, rets int64
	for i := 0; i < budgetBuckets; i++ {
		reqs += b.requests[i]
		rets += b.retries[i]
	}

	if float64(rets)/b.window.Seconds() < float64(b.minPerSecond) {
		return true
	}
	if reqs == 0 {
		return true
	}
	return float64(rets)/float64(reqs) < b.ratio
}

// roll advances the ring, zeroing buckets that aged out.
func (b *Budget) roll() {
	now := time.Now()
	steps := int(now.Sub(b.rolled) / b.bucketDur)
	if steps == 0 {
		return
	}
	if steps > budgetBuckets {
		steps = budgetBuckets
	}
	for i := 0; i < steps; i++ {
		b.idx = (b.idx + 1) % budgetBuckets
		b.requests[b.idx] = 0
		b.retries[b.idx] = 0
	}
	b.rolled = now
}
