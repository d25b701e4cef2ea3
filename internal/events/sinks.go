package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/logging"
)

// LogSink writes events to the global logger at info level.
type LogSink struct{}

func (LogSink) Publish(ev Event) {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields, zap.String("kind", string(ev.Kind)))
	if ev.Route != "" {
		fields = append(fields, zap.String("route", ev.Route))
	}
	if ev.Service != "" {
		fields = append(fields, zap.String("service", ev.Service))
	}
	if len(ev.Data) > 0 {
		fields = append(fields, zap.Any("data", ev.Data))
	}
	logging.Info("gateway event", fields...)
}

// MultiSink fans an event out to every wrapped sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// Recorder keeps the most recent events for the admin API and tests.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

// NewRecorder creates a Recorder holding up to limit events (default 100).
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	r.mu.Unlock()
}

// Recent returns a copy of the recorded events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns the recorded events matching kind, oldest first.
func (r *Recorder) ByKind(kind Kind) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// BufferedSink decouples emitters from a slow downstream sink. Publish is
// non-blocking: if the queue is full, the event is dropped and the dropped
// counter incremented.
type BufferedSink struct {
	next    Sink
	queue   chan Event
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBuffered wraps next with a queue of the given size (default 1000) and
// starts the delivery worker.
func NewBuffered(next Sink, size int) *BufferedSink {
	if size <= 0 {
		size = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &BufferedSink{
		next:   next,
		queue:  make(chan Event, size),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *BufferedSink) Publish(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

func (b *BufferedSink) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.queue:
			b.next.Publish(ev)
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (b *BufferedSink) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the delivery worker. Events still queued are discarded.
func (b *BufferedSink) Close() {
	b.cancel()
	b.wg.Wait()
}
