package memory

import (
	"context"
	"testing"
	"time"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
)

func TestRegisterAndDiscover(t *testing.T) {
	r := New()
	defer r.Close()

	in := &discovery.Instance{
		ServiceName: "users",
		Host:        "10.0.0.1",
		Port:        8080,
	}
	if err := r.Register(context.Background(), in); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if in.ID == "" {
		t.Fatalf("Register did not assign an ID")
	}
	if in.Status != discovery.StatusUp {
		t.Fatalf("default status = %q, want %q", in.Status, discovery.StatusUp)
	}

	got, err := r.Discover(context.Background(), "users")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || got[0].Host != "10.0.0.1" {
		t.Fatalf("Discover returned %d instances, want the registered one", len(got))
	}

	if err := r.Deregister(context.Background(), in.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	got, err = r.Discover(context.Background(), "users")
	if err != nil {
		t.Fatalf("Discover after deregister: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("instance survived deregistration")
	}
}

func TestDiscoverKeepsEveryStatus(t *testing.T) {
	r := New()
	defer r.Close()

	up := &discovery.Instance{ID: "a", ServiceName: "users", Host: "h1", Port: 1}
	down := &discovery.Instance{ID: "b", ServiceName: "users", Host: "h2", Port: 1, Status: discovery.StatusDown}
	for _, in := range []*discovery.Instance{up, down} {
		if err := r.Register(context.Background(), in); err != nil {
			t.Fatalf("Register %s: %v", in.ID, err)
		}
	}

	got, err := r.Discover(context.Background(), "users")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Discover filtered by status: got %d instances, want 2", len(got))
	}
}

func TestSetStatus(t *testing.T) {
	r := New()
	defer r.Close()

	in := &discovery.Instance{ID: "a", ServiceName: "users", Host: "h1", Port: 1}
	if err := r.Register(context.Background(), in); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.SetStatus("a", discovery.StatusOutOfService); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := r.Discover(context.Background(), "users")
	if got[0].Status != discovery.StatusOutOfService {
		t.Fatalf("status = %q, want %q", got[0].Status, discovery.StatusOutOfService)
	}

	if err := r.SetStatus("missing", discovery.StatusDown); err == nil {
		t.Fatalf("SetStatus on unknown instance succeeded")
	}
}

func TestNewFromConfigSeeds(t *testing.T) {
	r := NewFromConfig(config.MemoryConfig{
		Services: map[string][]config.StaticInstance{
			"users": {
				{ID: "u1", Host: "10.0.0.1", Port: 8080, Metadata: map[string]string{"version": "v1"}},
				{ID: "u2", Host: "10.0.0.2", Port: 8080, Status: "STARTING"},
			},
			"orders": {
				{Host: "10.0.1.1", Port: 9090},
			},
		},
	})
	defer r.Close()

	users, err := r.Discover(context.Background(), "users")
	if err != nil {
		t.Fatalf("Discover users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("seeded %d users instances, want 2", len(users))
	}
	byID := map[string]*discovery.Instance{}
	for _, in := range users {
		byID[in.ID] = in
	}
	if byID["u1"].Status != discovery.StatusUp {
		t.Fatalf("u1 status = %q, want default UP", byID["u1"].Status)
	}
	if byID["u1"].Version() != "v1" {
		t.Fatalf("u1 version = %q, want v1", byID["u1"].Version())
	}
	if byID["u2"].Status != discovery.StatusStarting {
		t.Fatalf("u2 status = %q, want STARTING", byID["u2"].Status)
	}

	orders, err := r.Discover(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Discover orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID == "" {
		t.Fatalf("seeded orders instance missing generated ID")
	}

	if got := len(r.All()); got != 3 {
		t.Fatalf("All() = %d instances, want 3", got)
	}
}

func TestWatchDeliversUpdates(t *testing.T) {
	r := New()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := r.Watch(ctx, "users")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Initial snapshot is empty.
	select {
	case got := <-ch:
		if len(got) != 0 {
			t.Fatalf("initial snapshot has %d instances, want 0", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot")
	}

	in := &discovery.Instance{ID: "a", ServiceName: "users", Host: "h1", Port: 1}
	if err := r.Register(context.Background(), in); err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case got := <-ch:
		if len(got) != 1 || got[0].ID != "a" {
			t.Fatalf("update = %d instances, want [a]", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("no update after registration")
	}

	if err := r.SetStatus("a", discovery.StatusDown); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	select {
	case got := <-ch:
		if got[0].Status != discovery.StatusDown {
			t.Fatalf("update status = %q, want DOWN", got[0].Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update after status change")
	}
}

func TestWatchStopsWithContext(t *testing.T) {
	r := New()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.Watch(ctx, "users")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	<-ch // initial snapshot

	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("watch channel still open after context cancel")
		}
	}
}
