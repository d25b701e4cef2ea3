package mirror

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultMismatchCapacity = 100

// Mismatch is one recorded disagreement between the primary response
// and its shadow.
type Mismatch struct {
	Time          time.Time `json:"time"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	PrimaryStatus int       `json:"primaryStatus"`
	ShadowStatus  int       `json:"shadowStatus"`
	StatusMatch   bool      `json:"statusMatch"`
	BodyMatch     bool      `json:"bodyMatch"`
}

// MismatchLog keeps the most recent mismatches in a fixed-size ring
// plus a running total.
type MismatchLog struct {
	mu       sync.Mutex
	entries  []Mismatch
	capacity int
	idx      int
	total    atomic.Int64
}

// NewMismatchLog creates a log holding up to capacity entries. A
// capacity of zero or less uses the default.
func NewMismatchLog(capacity int) *MismatchLog {
	if capacity <= 0 {
		capacity = defaultMismatchCapacity
	}
	return &MismatchLog{
		entries:  make([]Mismatch, 0, capacity),
		capacity: capacity,
	}
}

// Add records a mismatch, evicting the oldest entry once full.
func (l *MismatchLog) Add(m Mismatch) {
	l.total.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, m)
	} else {
		l.entries[l.idx] = m
	}
	l.idx = (l.idx + 1) % l.capacity
}

// Recent returns the stored mismatches, newest first.
func (l *MismatchLog) Recent() []Mismatch {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if n == 0 {
		return nil
	}

	out := make([]Mismatch, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[(l.idx-1-i+n)%n]
	}
	return out
}

// Total returns how many mismatches were ever recorded.
func (l *MismatchLog) Total() int64 {
	return l.total.Load()
}
