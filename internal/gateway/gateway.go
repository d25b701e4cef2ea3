// Package gateway wires routing, discovery, resilience, and rollout
// control into one HTTP front. A Gateway owns the process-wide pieces
// (discovery client, breaker registry, exporter, tracer, event sinks)
// and an immutable route table that hot reload swaps atomically.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/canary"
	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/discovery/consul"
	"github.com/wudi/apron/internal/discovery/dns"
	"github.com/wudi/apron/internal/discovery/etcd"
	"github.com/wudi/apron/internal/discovery/kubernetes"
	"github.com/wudi/apron/internal/discovery/memory"
	"github.com/wudi/apron/internal/events"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/mirror"
	"github.com/wudi/apron/internal/proxy"
	"github.com/wudi/apron/internal/ratelimit"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/router"
	"github.com/wudi/apron/internal/tracing"
	"github.com/wudi/apron/internal/transform"
	"github.com/wudi/apron/internal/version"
)

// Gateway is the orchestrator. Construction builds everything but
// starts nothing; Start launches canary engines, Stop tears the whole
// thing down. Both are idempotent.
type Gateway struct {
	mu    sync.RWMutex
	cfg   *config.GatewayConfig
	table *table

	registry     discovery.Registry
	ownsRegistry bool
	discovery    *discovery.Client
	breakers     *circuitbreaker.Registry
	exporter     *metrics.Exporter
	tracer       *tracing.Tracer
	redis        *redis.Client

	sink     events.Sink
	recorder *events.Recorder
	buffered *events.BufferedSink

	accessLog *accessLogger
	startTime time.Time
	started   bool
	stopped   bool
}

// routeRuntime is one route's compiled pipeline: the proxy plus
// whichever of canary, version routing, and mirroring the route
// configured.
type routeRuntime struct {
	route     *router.Route
	proxy     *proxy.Proxy
	collector *metrics.Collector
	retry     *retry.Policy
	engine    *canary.Engine
	versions  *version.Router
	mirror    *mirror.Mirror
}

// table is one generation of the route configuration. Reload builds a
// fresh table and swaps the pointer; in-flight requests finish on the
// generation they started with.
type table struct {
	router   *router.Router
	runtimes map[string]*routeRuntime
}

func (t *table) start() {
	for _, rt := range t.runtimes {
		if rt.engine != nil {
			rt.engine.Start()
		}
	}
}

func (t *table) stop() {
	for _, rt := range t.runtimes {
		if rt.engine != nil {
			rt.engine.Stop()
		}
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRegistry overrides the configured discovery backend. The caller
// keeps ownership and closes the registry itself.
func WithRegistry(reg discovery.Registry) Option {
	return func(g *Gateway) {
		g.registry = reg
		g.ownsRegistry = false
	}
}

// WithSink adds a host-provided sink alongside the built-in ones.
func WithSink(sink events.Sink) Option {
	return func(g *Gateway) {
		g.sink = events.MultiSink{g.sink, sink}
	}
}

// New builds a gateway from configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	gw := &cfg.Gateway

	g := &Gateway{
		cfg:       gw,
		accessLog: newAccessLogger(gw.AccessLog),
		startTime: time.Now(),
	}

	// The recorder stays synchronous so the admin API and tests see
	// events immediately; only the log write goes through a queue.
	g.recorder = events.NewRecorder(gw.Events.History)
	sinks := events.MultiSink{g.recorder}
	if gw.Events.Log {
		g.buffered = events.NewBuffered(events.LogSink{}, gw.Events.BufferSize)
		sinks = append(sinks, g.buffered)
	}
	g.sink = sinks

	for _, opt := range opts {
		opt(g)
	}

	if g.registry == nil {
		reg, err := buildRegistry(gw.Discovery.Registry)
		if err != nil {
			return nil, fmt.Errorf("gateway: build registry: %w", err)
		}
		g.registry = reg
		g.ownsRegistry = true
	}

	var clientOpts []discovery.ClientOption
	if gw.Discovery.CacheEnabled {
		clientOpts = append(clientOpts, discovery.WithCacheTTL(gw.Discovery.CacheTTL.Std()))
	}
	if gw.Discovery.Watch {
		clientOpts = append(clientOpts, discovery.WithWatch())
	}
	g.discovery = discovery.NewClient(g.registry, clientOpts...)

	if gw.Metrics.Enabled {
		g.exporter = metrics.NewExporter()
	}

	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithSink(g.sink)}
	if g.exporter != nil {
		exporter := g.exporter
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateHook(
			func(name string, state gobreaker.State) {
				exporter.SetCircuitState(circuitbreaker.ServiceFromName(name), circuitbreaker.StateValue(state))
			}))
	}
	g.breakers = circuitbreaker.NewRegistry(breakerOpts...)

	tracer, err := tracing.New(gw.Tracing)
	if err != nil {
		return nil, fmt.Errorf("gateway: init tracing: %w", err)
	}
	g.tracer = tracer

	if gw.Redis.Address != "" {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     gw.Redis.Address,
			Password: gw.Redis.Password,
			DB:       gw.Redis.DB,
		})
	}

	t, err := g.buildTable(gw)
	if err != nil {
		return nil, err
	}
	g.table = t

	return g, nil
}

// buildRegistry constructs the configured discovery backend.
func buildRegistry(cfg config.RegistryConfig) (discovery.Registry, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewFromConfig(cfg.Memory), nil
	case "consul":
		return consul.New(cfg.Consul)
	case "etcd":
		return etcd.New(cfg.Etcd)
	case "kubernetes":
		return kubernetes.New(cfg.Kubernetes)
	case "dns":
		return dns.New(cfg.DNS)
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}

// buildTable compiles the route table and one runtime per route.
func (g *Gateway) buildTable(gw *config.GatewayConfig) (*table, error) {
	rt, err := router.New(gw.Routes)
	if err != nil {
		return nil, err
	}

	t := &table{
		router:   rt,
		runtimes: make(map[string]*routeRuntime, len(gw.Routes)),
	}
	for _, route := range rt.Routes() {
		runtime, err := g.newRuntime(gw, route)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", route.ID, err)
		}
		t.runtimes[route.ID] = runtime
	}
	return t, nil
}

// newRuntime assembles one route's proxy and feature stack. Per-route
// trafficPolicy settings override the resilience defaults.
func (g *Gateway) newRuntime(gw *config.GatewayConfig, route *router.Route) (*routeRuntime, error) {
	rc := route.Config

	strategy, err := discovery.ParseStrategy(rc.LoadBalancer)
	if err != nil {
		return nil, err
	}

	pipeline, err := transform.NewPipeline(rc.Transform)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	var limitKey func(*http.Request) string
	if rc.RateLimit != nil {
		limiter, err = ratelimit.New(*rc.RateLimit, g.redis)
		if err != nil {
			return nil, err
		}
		limitKey = ratelimit.KeyFunc(rc.ID, rc.RateLimit.KeyBy)
	}

	timeout := gw.Resilience.DefaultTimeout
	retryCfg := gw.Resilience.DefaultRetry
	breakerCfg := gw.Resilience.DefaultCircuitBreaker
	if tp := rc.TrafficPolicy; tp != nil {
		if tp.Timeout > 0 {
			timeout = tp.Timeout
		}
		if tp.Retry != nil {
			retryCfg = tp.Retry
		}
		if tp.CircuitBreaker != nil {
			breakerCfg = tp.CircuitBreaker
		}
	}

	var retryPolicy *retry.Policy
	if retryCfg != nil {
		retryPolicy = retry.NewPolicy(retryCfg)
	}

	opts := proxy.Options{
		RouteID:     rc.ID,
		Service:     rc.ServiceName,
		StripPrefix: rc.StripPrefix,
		AddPrefix:   rc.AddPrefix,
		Strategy:    strategy,
		Filter:      discovery.FilterFromConfig(rc.Filter),
		Discovery:   g.discovery,
		Limiter:     limiter,
		LimitKey:    limitKey,
		Transform:   pipeline,
		Retry:       retryPolicy,
		Timeout:     timeout.Std(),
		Collector:   metrics.NewCollector(gw.Metrics.WindowSize.Std()),
	}
	// Routes without any breaker config run unguarded.
	if breakerCfg != nil {
		opts.Breakers = g.breakers
		opts.Breaker = breakerCfg
	}

	p, err := proxy.New(opts)
	if err != nil {
		return nil, err
	}

	runtime := &routeRuntime{
		route:     route,
		proxy:     p,
		collector: opts.Collector,
		retry:     retryPolicy,
	}

	if rc.Canary != nil {
		engine, err := canary.NewEngine(rc.ID, *rc.Canary, canary.WithSink(g.sink))
		if err != nil {
			return nil, err
		}
		runtime.engine = engine
	}
	if rc.VersionRoute != nil {
		versions, err := version.NewRouter(rc.VersionRoute)
		if err != nil {
			return nil, err
		}
		runtime.versions = versions
	}
	if rc.TrafficPolicy != nil && rc.TrafficPolicy.Mirror != nil {
		m, err := mirror.New(rc.ID, rc.TrafficPolicy.Mirror, g.discovery)
		if err != nil {
			return nil, err
		}
		runtime.mirror = m
	}

	return runtime, nil
}

// Start launches the canary engines. Safe to call once; later calls
// are no-ops.
func (g *Gateway) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	t := g.table
	routes := len(t.runtimes)
	registry := g.cfg.Discovery.Registry.Type
	g.mu.Unlock()

	t.start()
	logging.Info("gateway started",
		zap.Int("routes", routes),
		zap.String("registry", registry))
}

// Stop stops canary engines, closes discovery, and releases every
// owned resource. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	t := g.table
	g.mu.Unlock()

	t.stop()
	g.discovery.Close()
	if g.ownsRegistry {
		if err := g.registry.Close(); err != nil {
			logging.Error("registry close error", zap.Error(err))
		}
	}
	if g.redis != nil {
		g.redis.Close()
	}
	if err := g.tracer.Close(); err != nil {
		logging.Error("tracer close error", zap.Error(err))
	}
	if g.buffered != nil {
		g.buffered.Close()
	}
	logging.Info("gateway stopped")
}

// Reload swaps in a new route table built from cfg. On any build error
// the old table stays active and the error is returned. Process-level
// pieces (registry, redis, tracer, listeners) are not rebuilt; changing
// them requires a restart.
func (g *Gateway) Reload(cfg *config.Config) error {
	gw := &cfg.Gateway

	g.mu.RLock()
	oldRegistry := g.cfg.Discovery.Registry.Type
	g.mu.RUnlock()
	if gw.Discovery.Registry.Type != oldRegistry && !(gw.Discovery.Registry.Type == "" && oldRegistry == "memory") {
		logging.Warn("registry type change ignored on reload, restart to apply",
			zap.String("active", oldRegistry),
			zap.String("requested", gw.Discovery.Registry.Type))
	}

	next, err := g.buildTable(gw)
	if err != nil {
		return fmt.Errorf("gateway: reload rejected: %w", err)
	}

	g.mu.Lock()
	old := g.table
	g.table = next
	g.cfg = gw
	started := g.started
	g.mu.Unlock()

	if started {
		next.start()
	}
	old.stop()

	logging.Info("route table reloaded", zap.Int("routes", len(next.runtimes)))
	return nil
}

// currentTable returns the active route table generation.
func (g *Gateway) currentTable() *table {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.table
}

// Registry exposes the discovery backend, mainly so embedding hosts
// and tests can register instances against a memory registry.
func (g *Gateway) Registry() discovery.Registry {
	return g.registry
}

// Events exposes the recent-events ring backing GET /events.
func (g *Gateway) Events() *events.Recorder {
	return g.recorder
}
