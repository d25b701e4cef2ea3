package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now()
	ev := New(CanaryStarted, "user-route", "user-service", map[string]interface{}{
		"canaryVersion": "v2",
	})
	after := time.Now()

	if ev.Kind != CanaryStarted {
		t.Errorf("Kind = %q, want %q", ev.Kind, CanaryStarted)
	}
	if ev.Timestamp.Before(before) || ev.Timestamp.After(after) {
		t.Errorf("Timestamp %v outside [%v, %v]", ev.Timestamp, before, after)
	}
	if ev.Route != "user-route" {
		t.Errorf("Route = %q, want %q", ev.Route, "user-route")
	}
	if ev.Service != "user-service" {
		t.Errorf("Service = %q, want %q", ev.Service, "user-service")
	}
	if ev.Data["canaryVersion"] != "v2" {
		t.Errorf("Data canaryVersion = %v, want v2", ev.Data["canaryVersion"])
	}
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Publish(New(RouteError, "r", "s", map[string]interface{}{"i": i}))
	}

	recent := r.Recent()
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d events, want 3", len(recent))
	}
	if recent[0].Data["i"] != 2 {
		t.Errorf("oldest kept event i = %v, want 2", recent[0].Data["i"])
	}
	if recent[2].Data["i"] != 4 {
		t.Errorf("newest kept event i = %v, want 4", recent[2].Data["i"])
	}
}

func TestRecorderByKind(t *testing.T) {
	r := NewRecorder(10)
	r.Publish(New(CanaryPromote, "r", "s", nil))
	r.Publish(New(RouteError, "r", "s", nil))
	r.Publish(New(CanaryPromote, "r", "s", nil))

	promotes := r.ByKind(CanaryPromote)
	if len(promotes) != 2 {
		t.Errorf("ByKind(CanaryPromote) returned %d events, want 2", len(promotes))
	}
	if got := r.ByKind(CircuitOpen); len(got) != 0 {
		t.Errorf("ByKind(CircuitOpen) returned %d events, want 0", len(got))
	}
}

func TestRecorderRecentReturnsCopy(t *testing.T) {
	r := NewRecorder(10)
	r.Publish(New(RouteError, "r", "s", nil))

	recent := r.Recent()
	recent[0].Route = "mutated"

	if r.Recent()[0].Route != "r" {
		t.Error("Recent() should return a copy, not the backing slice")
	}
}

func TestRecorderConcurrentPublish(t *testing.T) {
	r := NewRecorder(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Publish(New(RateLimitExceeded, "r", "s", nil))
			}
		}()
	}
	wg.Wait()

	if got := len(r.Recent()); got != 500 {
		t.Errorf("recorded %d events, want 500", got)
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a := NewRecorder(10)
	b := NewRecorder(10)
	m := MultiSink{a, b}

	m.Publish(New(CircuitOpen, "r", "user-service", nil))

	if len(a.Recent()) != 1 || len(b.Recent()) != 1 {
		t.Errorf("fan-out reached %d/%d sinks, want 1/1", len(a.Recent()), len(b.Recent()))
	}
}

func TestBufferedSinkDelivers(t *testing.T) {
	r := NewRecorder(10)
	b := NewBuffered(r, 10)
	defer b.Close()

	b.Publish(New(CanaryRollback, "r", "s", map[string]interface{}{"trigger": "auto"}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(r.Recent()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	recent := r.Recent()
	if len(recent) != 1 {
		t.Fatalf("delivered %d events, want 1", len(recent))
	}
	if recent[0].Data["trigger"] != "auto" {
		t.Errorf("trigger = %v, want auto", recent[0].Data["trigger"])
	}
}

func TestBufferedSinkDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := sinkFunc(func(Event) { <-block })

	b := NewBuffered(slow, 1)
	defer func() {
		close(block)
		b.Close()
	}()

	// First event is picked up by the worker and blocks; fill the queue,
	// then overflow it.
	b.Publish(New(RouteError, "r", "s", nil))
	time.Sleep(20 * time.Millisecond)
	b.Publish(New(RouteError, "r", "s", nil))
	b.Publish(New(RouteError, "r", "s", nil))

	if b.Dropped() == 0 {
		t.Error("expected at least one dropped event when queue is full")
	}
}

type sinkFunc func(Event)

func (f sinkFunc) Publish(ev Event) { f(ev) }

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Publish(New(RouteTimeout, "r", "s", nil)) // must not panic
}
