// Package dns backs discovery with DNS SRV records (RFC 2782),
// falling back to plain A lookups for services that publish no SRV
// records. The registry is read-only and Watch is poll-based.
package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
)

// resolver abstracts DNS lookups so tests can supply canned answers.
type resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct {
	r *net.Resolver
}

func (n *netResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return n.r.LookupSRV(ctx, service, proto, name)
}

func (n *netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return n.r.LookupHost(ctx, host)
}

// Registry resolves instances from DNS.
type Registry struct {
	domain       string
	fallbackPort int
	pollInterval time.Duration
	resolver     resolver

	cacheMu sync.RWMutex
	cache   map[string][]*discovery.Instance

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
}

// New builds a DNS registry. A nameserver of "" uses the system
// resolver; otherwise queries go straight to the given host:port.
func New(cfg config.DNSConfig) (*Registry, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("dns registry: domain is required")
	}

	pollInterval := cfg.RefreshInterval.Std()
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}

	var r *net.Resolver
	if cfg.Nameserver != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, "udp", cfg.Nameserver)
			},
		}
	} else {
		r = net.DefaultResolver
	}

	return &Registry{
		domain:       cfg.Domain,
		fallbackPort: cfg.Port,
		pollInterval: pollInterval,
		resolver:     &netResolver{r: r},
		cache:        make(map[string][]*discovery.Instance),
		watchers:     make(map[string]context.CancelFunc),
	}, nil
}

// Register is a no-op. DNS records are managed outside the gateway.
func (r *Registry) Register(_ context.Context, _ *discovery.Instance) error {
	return nil
}

// Deregister is a no-op for the same reason as Register.
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover resolves the service, serving the cached answer when the
// lookup fails and a previous one succeeded.
func (r *Registry) Discover(ctx context.Context, service string) ([]*discovery.Instance, error) {
	instances, err := r.fetch(ctx, service)
	if err != nil {
		r.cacheMu.RLock()
		cached, ok := r.cache[service]
		r.cacheMu.RUnlock()
		if ok {
			return cached, nil
		}
		return nil, err
	}
	return instances, nil
}

// Watch polls the service at the refresh interval and pushes a new
// list only when the membership changed.
func (r *Registry) Watch(ctx context.Context, service string) (<-chan []*discovery.Instance, error) {
	ch := make(chan []*discovery.Instance, 8)
	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if prev, ok := r.watchers[service]; ok {
		prev()
	}
	r.watchers[service] = cancel
	r.watchMu.Unlock()

	go r.poll(watchCtx, service, ch)
	return ch, nil
}

// Close cancels all poll loops.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	return nil
}

// fetch performs the SRV lookup (with A fallback) and refreshes the
// cache on success.
func (r *Registry) fetch(ctx context.Context, service string) ([]*discovery.Instance, error) {
	instances, err := r.fetchSRV(ctx, service)
	if err != nil {
		instances, err = r.fetchHosts(ctx, service)
	}
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[service] = instances
	r.cacheMu.Unlock()
	return instances, nil
}

func (r *Registry) fetchSRV(ctx context.Context, service string) ([]*discovery.Instance, error) {
	_, srvs, err := r.resolver.LookupSRV(ctx, service, "tcp", r.domain)
	if err != nil {
		return nil, fmt.Errorf("dns srv lookup %s: %w", service, err)
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("dns srv lookup %s: no records", service)
	}

	// Lower priority is preferred, then higher weight.
	sort.Slice(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})

	instances := make([]*discovery.Instance, 0, len(srvs))
	for _, srv := range srvs {
		target := strings.TrimSuffix(srv.Target, ".")
		instances = append(instances, &discovery.Instance{
			ID:          fmt.Sprintf("%s-%s-%d", service, target, srv.Port),
			ServiceName: service,
			Host:        r.resolveTarget(ctx, target),
			Port:        int(srv.Port),
			Status:      discovery.StatusUp,
			Metadata: map[string]string{
				discovery.MetaWeight: strconv.FormatUint(uint64(srv.Weight), 10),
				"srv_target":         target,
			},
		})
	}
	return instances, nil
}

// fetchHosts resolves <service>.<domain> A records with the configured
// fallback port.
func (r *Registry) fetchHosts(ctx context.Context, service string) ([]*discovery.Instance, error) {
	if r.fallbackPort == 0 {
		return nil, fmt.Errorf("dns lookup %s: no SRV records and no fallback port", service)
	}

	host := service + "." + r.domain
	addrs, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns host lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns host lookup %s: no addresses", host)
	}

	instances := make([]*discovery.Instance, 0, len(addrs))
	for _, addr := range addrs {
		instances = append(instances, &discovery.Instance{
			ID:          fmt.Sprintf("%s-%s-%d", service, addr, r.fallbackPort),
			ServiceName: service,
			Host:        addr,
			Port:        r.fallbackPort,
			Status:      discovery.StatusUp,
		})
	}
	return instances, nil
}

// resolveTarget turns an SRV target into an address, preferring IPv4
// and falling back to the raw hostname when resolution fails.
func (r *Registry) resolveTarget(ctx context.Context, target string) string {
	if net.ParseIP(target) != nil {
		return target
	}

	addrs, err := r.resolver.LookupHost(ctx, target)
	if err != nil || len(addrs) == 0 {
		return target
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	return addrs[0]
}

func (r *Registry) poll(ctx context.Context, service string, ch chan []*discovery.Instance) {
	defer close(ch)

	last, err := r.fetch(ctx, service)
	if err == nil {
		select {
		case ch <- last:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := r.fetch(ctx, service)
			if err != nil {
				continue
			}
			if instancesEqual(last, next) {
				continue
			}
			last = next
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// instancesEqual compares two lists by their sorted IDs.
func instancesEqual(a, b []*discovery.Instance) bool {
	if len(a) != len(b) {
		return false
	}
	aIDs := make([]string, len(a))
	bIDs := make([]string, len(b))
	for i := range a {
		aIDs[i] = a[i].ID
		bIDs[i] = b[i].ID
	}
	sort.Strings(aIDs)
	sort.Strings(bIDs)
	for i := range aIDs {
		if aIDs[i] != bIDs[i] {
			return false
		}
	}
	return true
}
