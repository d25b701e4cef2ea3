package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/logging"
	"go.uber.org/zap"
)

// Client answers instance lookups on the request path. It caches
// registry answers for a short TTL, deduplicates concurrent refreshes,
// and optionally keeps caches fresh through registry watches.
type Client struct {
	reg      Registry
	cacheTTL time.Duration
	watch    bool

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	balancers map[string]*balancer
	watching  map[string]bool

	sf singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

type cacheEntry struct {
	instances []*Instance
	fetched   time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCacheTTL enables result caching for d. Zero disables the cache.
func WithCacheTTL(d time.Duration) ClientOption {
	return func(c *Client) { c.cacheTTL = d }
}

// WithWatch starts a registry watch per service on first lookup,
// refreshing the cache on pushed membership changes.
func WithWatch() ClientOption {
	return func(c *Client) { c.watch = true }
}

// NewClient wraps a registry.
func NewClient(reg Registry, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		reg:       reg,
		cache:     make(map[string]cacheEntry),
		balancers: make(map[string]*balancer),
		watching:  make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetInstances returns the instances of service matching f. A nil
// filter keeps UP instances only. The error is a gateway no-instances
// error when the registry answers with an empty (or fully filtered)
// set, so callers can relay it directly.
func (c *Client) GetInstances(ctx context.Context, service string, f *Filter) ([]*Instance, error) {
	all, err := c.lookup(ctx, service)
	if err != nil {
		return nil, errors.NoInstances(service)
	}

	matched := Select(all, f)
	if len(matched) == 0 {
		return nil, errors.NoInstances(service)
	}
	return matched, nil
}

// GetInstance picks one instance of service using the strategy. The
// key feeds ip-hash; other strategies ignore it.
func (c *Client) GetInstance(ctx context.Context, service string, strategy Strategy, f *Filter, key string) (*Instance, error) {
	instances, err := c.GetInstances(ctx, service, f)
	if err != nil {
		return nil, err
	}
	return c.balancerFor(service).Pick(instances, strategy, key), nil
}

// Acquire marks one in-flight request against the instance for the
// least-connections strategy and returns the paired release.
func (c *Client) Acquire(service string, in *Instance) func() {
	counter := c.balancerFor(service).counter(in.ID)
	counter.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}
}

// Invalidate drops the cached instance list for service.
func (c *Client) Invalidate(service string) {
	c.mu.Lock()
	delete(c.cache, service)
	c.mu.Unlock()
}

// Close stops all watches. The wrapped registry is not closed; its
// owner does that.
func (c *Client) Close() {
	c.cancel()
}

func (c *Client) lookup(ctx context.Context, service string) ([]*Instance, error) {
	if c.cacheTTL > 0 {
		c.mu.RLock()
		entry, ok := c.cache[service]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetched) < c.cacheTTL {
			return entry.instances, nil
		}
	}

	v, err, _ := c.sf.Do(service, func() (interface{}, error) {
		instances, err := c.reg.Discover(ctx, service)
		if err != nil {
			// A stale answer beats an error while the registry blips.
			c.mu.RLock()
			entry, ok := c.cache[service]
			c.mu.RUnlock()
			if ok {
				return entry.instances, nil
			}
			return nil, err
		}
		c.store(service, instances)
		c.ensureWatch(service)
		return instances, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Instance), nil
}

func (c *Client) store(service string, instances []*Instance) {
	c.mu.Lock()
	c.cache[service] = cacheEntry{instances: instances, fetched: time.Now()}
	c.mu.Unlock()
}

func (c *Client) balancerFor(service string) *balancer {
	c.mu.RLock()
	b, ok := c.balancers[service]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.balancers[service]; ok {
		return b
	}
	b = newBalancer()
	c.balancers[service] = b
	return b
}

// ensureWatch starts the per-service registry watch once.
func (c *Client) ensureWatch(service string) {
	if !c.watch {
		return
	}
	c.mu.Lock()
	if c.watching[service] {
		c.mu.Unlock()
		return
	}
	c.watching[service] = true
	c.mu.Unlock()

	go c.runWatch(service)
}

func (c *Client) runWatch(service string) {
	ch, err := c.reg.Watch(c.ctx, service)
	if err != nil {
		logging.Warn("registry watch failed",
			zap.String("service", service), zap.Error(err))
		c.mu.Lock()
		c.watching[service] = false
		c.mu.Unlock()
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case instances, ok := <-ch:
			if !ok {
				c.mu.Lock()
				c.watching[service] = false
				c.mu.Unlock()
				return
			}
			c.store(service, instances)
			logging.Debug("instance list refreshed from watch",
				zap.String("service", service), zap.Int("count", len(instances)))
		}
	}
}
