// Package consul backs discovery with a Consul agent.
package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/logging"
)

// Registry resolves instances through the Consul health API. Watches
// use blocking queries, so updates arrive without polling.
type Registry struct {
	client     *consulapi.Client
	datacenter string

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// New connects to the configured Consul agent and verifies the
// connection before returning.
func New(cfg config.ConsulConfig) (*Registry, error) {
	ccfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		ccfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		ccfg.Scheme = cfg.Scheme
	}
	ccfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		ccfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("consul connect: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		watchers:   make(map[string]context.CancelFunc),
	}, nil
}

// Register registers the instance with an HTTP health check against
// its /health endpoint.
func (r *Registry) Register(_ context.Context, in *discovery.Instance) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      in.ID,
		Name:    in.ServiceName,
		Address: in.Host,
		Port:    in.Port,
		Meta:    in.Metadata,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", in.Addr()),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}
	return nil
}

// Deregister removes the instance from the agent.
func (r *Registry) Deregister(_ context.Context, id string) error {
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	return nil
}

// Discover returns every registered instance of the service with its
// health mapped onto an instance status.
func (r *Registry) Discover(_ context.Context, service string) ([]*discovery.Instance, error) {
	entries, _, err := r.client.Health().Service(service, "", false, &consulapi.QueryOptions{
		Datacenter: r.datacenter,
	})
	if err != nil {
		return nil, fmt.Errorf("consul discover %s: %w", service, err)
	}
	return convertEntries(service, entries), nil
}

// Watch runs a blocking query loop and pushes the converted list
// whenever the Consul index moves.
func (r *Registry) Watch(ctx context.Context, service string) (<-chan []*discovery.Instance, error) {
	ch := make(chan []*discovery.Instance, 8)
	watchCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if prev, ok := r.watchers[service]; ok {
		prev()
	}
	r.watchers[service] = cancel
	r.mu.Unlock()

	go r.watchLoop(watchCtx, service, ch)
	return ch, nil
}

func (r *Registry) watchLoop(ctx context.Context, service string, ch chan []*discovery.Instance) {
	defer close(ch)

	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, meta, err := r.client.Health().Service(service, "", false, &consulapi.QueryOptions{
			Datacenter: r.datacenter,
			WaitIndex:  lastIndex,
			WaitTime:   30 * time.Second,
		})
		if err != nil {
			logging.Warn("consul watch query failed",
				zap.String("service", service), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		select {
		case ch <- convertEntries(service, entries):
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Close cancels all watch loops.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}

func convertEntries(service string, entries []*consulapi.ServiceEntry) []*discovery.Instance {
	out := make([]*discovery.Instance, 0, len(entries))
	for _, entry := range entries {
		host := entry.Service.Address
		if host == "" {
			host = entry.Node.Address
		}
		out = append(out, &discovery.Instance{
			ID:          entry.Service.ID,
			ServiceName: service,
			Host:        host,
			Port:        entry.Service.Port,
			Status:      statusFromChecks(entry.Checks),
			Metadata:    entry.Service.Meta,
		})
	}
	return out
}

// statusFromChecks folds the entry's checks into one instance status:
// any critical check downs the instance, warnings take it out of
// service, otherwise it is up.
func statusFromChecks(checks consulapi.HealthChecks) discovery.Status {
	status := discovery.StatusUp
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical:
			return discovery.StatusDown
		case consulapi.HealthWarning:
			status = discovery.StatusOutOfService
		}
	}
	return status
}
