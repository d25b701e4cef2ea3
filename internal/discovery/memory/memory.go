// Package memory is the in-process registry backend. It seeds from
// static config and is the default for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
)

// Registry keeps instances in a map and fans membership changes out to
// watcher channels.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*discovery.Instance
	watchers  map[string][]chan []*discovery.Instance
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*discovery.Instance),
		watchers:  make(map[string][]chan []*discovery.Instance),
	}
}

// NewFromConfig creates a registry pre-populated with the statically
// configured instances.
func NewFromConfig(cfg config.MemoryConfig) *Registry {
	r := New()
	for service, seeds := range cfg.Services {
		for _, seed := range seeds {
			status := discovery.Status(seed.Status)
			if status == "" {
				status = discovery.StatusUp
			}
			r.Register(context.Background(), &discovery.Instance{
				ID:          seed.ID,
				ServiceName: service,
				Host:        seed.Host,
				Port:        seed.Port,
				Protocol:    seed.Protocol,
				Status:      status,
				Metadata:    seed.Metadata,
			})
		}
	}
	return r
}

// Register adds or replaces an instance. Missing IDs are generated and
// missing statuses default to UP.
func (r *Registry) Register(_ context.Context, in *discovery.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Status == "" {
		in.Status = discovery.StatusUp
	}
	if in.LastHeartbeat.IsZero() {
		in.LastHeartbeat = time.Now()
	}

	r.instances[in.ID] = in
	r.notify(in.ServiceName)
	return nil
}

// Deregister removes an instance by ID.
func (r *Registry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instances[id]
	if !ok {
		return discovery.ErrServiceNotFound
	}
	delete(r.instances, id)
	r.notify(in.ServiceName)
	return nil
}

// SetStatus updates an instance's status in place, notifying watchers.
func (r *Registry) SetStatus(id string, status discovery.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instances[id]
	if !ok {
		return discovery.ErrServiceNotFound
	}
	in.Status = status
	in.LastHeartbeat = time.Now()
	r.notify(in.ServiceName)
	return nil
}

// Discover returns every registered instance of the service, any
// status. Callers filter.
func (r *Registry) Discover(_ context.Context, service string) ([]*discovery.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(service), nil
}

// Watch subscribes to membership changes for the service. The current
// list is delivered first; the channel closes when ctx ends.
func (r *Registry) Watch(ctx context.Context, service string) (<-chan []*discovery.Instance, error) {
	r.mu.Lock()
	ch := make(chan []*discovery.Instance, 8)
	r.watchers[service] = append(r.watchers[service], ch)
	current := r.listLocked(service)
	r.mu.Unlock()

	go func() {
		select {
		case ch <- current:
		case <-ctx.Done():
		}
		<-ctx.Done()
		r.dropWatcher(service, ch)
	}()

	return ch, nil
}

// Close drops all watchers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chans := range r.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	r.watchers = make(map[string][]chan []*discovery.Instance)
	return nil
}

// All returns every registered instance, for the admin API.
func (r *Registry) All() []*discovery.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*discovery.Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in)
	}
	return out
}

func (r *Registry) listLocked(service string) []*discovery.Instance {
	var out []*discovery.Instance
	for _, in := range r.instances {
		if in.ServiceName == service {
			out = append(out, in)
		}
	}
	return out
}

// notify pushes the fresh list to the service's watchers. Caller holds
// the lock. Slow watchers miss intermediate states, never the final one
// since every change renotifies.
func (r *Registry) notify(service string) {
	if len(r.watchers[service]) == 0 {
		return
	}
	current := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case ch <- current:
		default:
		}
	}
}

func (r *Registry) dropWatcher(service string, ch chan []*discovery.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.watchers[service]
	for i, c := range chans {
		if c == ch {
			r.watchers[service] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}
