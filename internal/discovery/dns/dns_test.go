package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
)

// mockResolver implements the resolver interface with canned answers.
type mockResolver struct {
	mu       sync.Mutex
	srvFunc  func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	hostFunc func(ctx context.Context, host string) ([]string, error)
	srvCalls int
}

func (m *mockResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	m.mu.Lock()
	m.srvCalls++
	m.mu.Unlock()
	if m.srvFunc != nil {
		return m.srvFunc(ctx, service, proto, name)
	}
	return "", nil, fmt.Errorf("no SRV records")
}

func (m *mockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if m.hostFunc != nil {
		return m.hostFunc(ctx, host)
	}
	return nil, fmt.Errorf("no host records")
}

func newTestRegistry(r resolver) *Registry {
	return &Registry{
		domain:       "example.com",
		pollInterval: time.Hour,
		resolver:     r,
		cache:        make(map[string][]*discovery.Instance),
		watchers:     make(map[string]context.CancelFunc),
	}
}

func TestNew(t *testing.T) {
	t.Run("empty domain returns error", func(t *testing.T) {
		if _, err := New(config.DNSConfig{}); err == nil {
			t.Fatal("expected error for empty domain")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		r, err := New(config.DNSConfig{Domain: "service.consul"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.pollInterval != 30*time.Second {
			t.Errorf("expected 30s poll interval, got %v", r.pollInterval)
		}
	})

	t.Run("custom nameserver accepted", func(t *testing.T) {
		r, err := New(config.DNSConfig{
			Domain:     "service.consul",
			Nameserver: "10.0.0.53:8600",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.domain != "service.consul" {
			t.Errorf("expected domain service.consul, got %s", r.domain)
		}
	})
}

func TestRegisterDeregisterAreNoOps(t *testing.T) {
	r := newTestRegistry(&mockResolver{})

	if err := r.Register(context.Background(), &discovery.Instance{ID: "x"}); err != nil {
		t.Errorf("Register should be a no-op, got %v", err)
	}
	if err := r.Deregister(context.Background(), "x"); err != nil {
		t.Errorf("Deregister should be a no-op, got %v", err)
	}
}

func TestDiscoverFromSRV(t *testing.T) {
	mock := &mockResolver{
		srvFunc: func(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
			if service != "myservice" || proto != "tcp" || name != "example.com" {
				t.Errorf("unexpected SRV query %s/%s/%s", service, proto, name)
			}
			return "", []*net.SRV{
				{Target: "node3.example.com.", Port: 9090, Priority: 20, Weight: 100},
				{Target: "node1.example.com.", Port: 8080, Priority: 10, Weight: 60},
				{Target: "node2.example.com.", Port: 8081, Priority: 10, Weight: 40},
			}, nil
		},
		hostFunc: func(_ context.Context, host string) ([]string, error) {
			switch host {
			case "node1.example.com":
				return []string{"192.168.1.1"}, nil
			case "node2.example.com":
				return []string{"192.168.1.2"}, nil
			case "node3.example.com":
				return []string{"192.168.1.3"}, nil
			}
			return nil, fmt.Errorf("unknown host %s", host)
		},
	}
	r := newTestRegistry(mock)

	instances, err := r.Discover(context.Background(), "myservice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}

	// Lower priority first, then higher weight.
	if instances[0].Host != "192.168.1.1" || instances[0].Port != 8080 {
		t.Errorf("first instance = %s:%d, want 192.168.1.1:8080", instances[0].Host, instances[0].Port)
	}
	if instances[1].Host != "192.168.1.2" {
		t.Errorf("second instance = %s, want 192.168.1.2", instances[1].Host)
	}
	if instances[2].Host != "192.168.1.3" {
		t.Errorf("third instance = %s, want 192.168.1.3", instances[2].Host)
	}

	if instances[0].ID != "myservice-node1.example.com-8080" {
		t.Errorf("unexpected ID %s", instances[0].ID)
	}
	if instances[0].Metadata[discovery.MetaWeight] != "60" {
		t.Errorf("weight metadata = %s, want 60", instances[0].Metadata[discovery.MetaWeight])
	}
	for _, in := range instances {
		if in.Status != discovery.StatusUp {
			t.Errorf("instance %s status = %s, want UP", in.ID, in.Status)
		}
		if in.ServiceName != "myservice" {
			t.Errorf("instance %s service = %s, want myservice", in.ID, in.ServiceName)
		}
	}
}

func TestDiscoverFallsBackToHostLookup(t *testing.T) {
	mock := &mockResolver{
		hostFunc: func(_ context.Context, host string) ([]string, error) {
			if host != "svc.example.com" {
				return nil, fmt.Errorf("unknown host %s", host)
			}
			return []string{"10.0.0.1", "10.0.0.2"}, nil
		},
	}
	r := newTestRegistry(mock)
	r.fallbackPort = 8500

	instances, err := r.Discover(context.Background(), "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	for _, in := range instances {
		if in.Port != 8500 {
			t.Errorf("instance %s port = %d, want fallback 8500", in.ID, in.Port)
		}
	}
}

func TestDiscoverRequiresFallbackPort(t *testing.T) {
	r := newTestRegistry(&mockResolver{})

	if _, err := r.Discover(context.Background(), "svc"); err == nil {
		t.Fatal("expected error when SRV fails and no fallback port is set")
	}
}

func TestDiscoverServesCacheOnFailure(t *testing.T) {
	calls := 0
	mock := &mockResolver{
		srvFunc: func(_ context.Context, _, _, _ string) (string, []*net.SRV, error) {
			calls++
			if calls > 1 {
				return "", nil, fmt.Errorf("dns failure")
			}
			return "", []*net.SRV{{Target: "node1.", Port: 8080, Priority: 10, Weight: 50}}, nil
		},
		hostFunc: func(_ context.Context, _ string) ([]string, error) {
			return []string{"10.0.0.1"}, nil
		},
	}
	r := newTestRegistry(mock)

	first, err := r.Discover(context.Background(), "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(first))
	}

	second, err := r.Discover(context.Background(), "svc")
	if err != nil {
		t.Fatalf("expected cached fallback, got error: %v", err)
	}
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("cached answer differs from original")
	}
}

func TestResolveTarget(t *testing.T) {
	t.Run("already an IP", func(t *testing.T) {
		r := newTestRegistry(&mockResolver{})
		if addr := r.resolveTarget(context.Background(), "192.168.1.1"); addr != "192.168.1.1" {
			t.Errorf("expected 192.168.1.1, got %s", addr)
		}
	})

	t.Run("prefers IPv4", func(t *testing.T) {
		r := newTestRegistry(&mockResolver{
			hostFunc: func(_ context.Context, _ string) ([]string, error) {
				return []string{"::1", "10.0.0.2", "::2"}, nil
			},
		})
		if addr := r.resolveTarget(context.Background(), "node1.example.com"); addr != "10.0.0.2" {
			t.Errorf("expected 10.0.0.2, got %s", addr)
		}
	})

	t.Run("keeps hostname on failure", func(t *testing.T) {
		r := newTestRegistry(&mockResolver{
			hostFunc: func(_ context.Context, _ string) ([]string, error) {
				return nil, fmt.Errorf("lookup failed")
			},
		})
		if addr := r.resolveTarget(context.Background(), "node1.example.com"); addr != "node1.example.com" {
			t.Errorf("expected hostname fallback, got %s", addr)
		}
	})
}

func TestWatchDetectsMembershipChange(t *testing.T) {
	var mu sync.Mutex
	targets := []*net.SRV{{Target: "node1.", Port: 8080, Priority: 10, Weight: 50}}

	mock := &mockResolver{
		srvFunc: func(_ context.Context, _, _, _ string) (string, []*net.SRV, error) {
			mu.Lock()
			defer mu.Unlock()
			return "", targets, nil
		},
		hostFunc: func(_ context.Context, _ string) ([]string, error) {
			return []string{"10.0.0.1"}, nil
		},
	}
	r := newTestRegistry(mock)
	r.pollInterval = 10 * time.Millisecond
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := r.Watch(ctx, "svc")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case initial := <-ch:
		if len(initial) != 1 {
			t.Fatalf("initial snapshot has %d instances, want 1", len(initial))
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	mu.Lock()
	targets = append(targets, &net.SRV{Target: "node2.", Port: 8081, Priority: 10, Weight: 50})
	mu.Unlock()

	select {
	case updated := <-ch:
		if len(updated) != 2 {
			t.Fatalf("update has %d instances, want 2", len(updated))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("membership change never delivered")
	}
}
