// Package etcd backs discovery with an etcd cluster. Instances are
// stored as JSON under <prefix>/<service>/<id> and kept alive through
// leases, so a crashed instance disappears when its lease expires.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/logging"
)

const leaseTTL = 30 // seconds

type lease struct {
	id     clientv3.LeaseID
	key    string
	cancel context.CancelFunc
}

// Registry stores instances in etcd behind keep-alive leases.
type Registry struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]*lease
}

// New connects to the configured etcd endpoints.
func New(cfg config.EtcdConfig) (*Registry, error) {
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2379"}
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/services"
	}
	return &Registry{
		client: client,
		prefix: prefix,
		leases: make(map[string]*lease),
	}, nil
}

func (r *Registry) key(service, id string) string {
	return fmt.Sprintf("%s/%s/%s", r.prefix, service, id)
}

// Register writes the instance under a fresh lease and starts a
// keep-alive goroutine that holds the lease until Deregister or Close.
func (r *Registry) Register(ctx context.Context, in *discovery.Instance) error {
	grant, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("etcd lease grant: %w", err)
	}

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("etcd marshal instance: %w", err)
	}

	key := r.key(in.ServiceName, in.ID)
	if _, err := r.client.Put(ctx, key, string(data), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if prev, ok := r.leases[in.ID]; ok {
		prev.cancel()
	}
	r.leases[in.ID] = &lease{id: grant.ID, key: key, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Deregister revokes the instance's lease, which also removes its key.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	l, ok := r.leases[id]
	delete(r.leases, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	l.cancel()
	if _, err := r.client.Revoke(ctx, l.id); err != nil {
		return fmt.Errorf("etcd revoke lease: %w", err)
	}
	return nil
}

// Discover lists every instance stored under the service prefix.
func (r *Registry) Discover(ctx context.Context, service string) ([]*discovery.Instance, error) {
	prefix := fmt.Sprintf("%s/%s/", r.prefix, service)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd discover %s: %w", service, err)
	}

	instances := make([]*discovery.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var in discovery.Instance
		if err := json.Unmarshal(kv.Value, &in); err != nil {
			logging.Warn("etcd skipping malformed instance",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		instances = append(instances, &in)
	}
	return instances, nil
}

// Watch follows the service prefix and re-fetches the full list on
// every change, so consumers always see complete snapshots.
func (r *Registry) Watch(ctx context.Context, service string) (<-chan []*discovery.Instance, error) {
	ch := make(chan []*discovery.Instance, 8)
	prefix := fmt.Sprintf("%s/%s/", r.prefix, service)
	events := r.client.Watch(ctx, prefix, clientv3.WithPrefix())

	go func() {
		defer close(ch)

		if instances, err := r.Discover(ctx, service); err == nil {
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-events:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					logging.Warn("etcd watch error",
						zap.String("service", service), zap.Error(err))
					continue
				}
				instances, err := r.Discover(ctx, service)
				if err != nil {
					logging.Warn("etcd watch refetch failed",
						zap.String("service", service), zap.Error(err))
					continue
				}
				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Close cancels every keep-alive and closes the client.
func (r *Registry) Close() error {
	r.mu.Lock()
	for _, l := range r.leases {
		l.cancel()
	}
	r.leases = make(map[string]*lease)
	r.mu.Unlock()
	return r.client.Close()
}
