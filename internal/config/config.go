package config

import (
	"time"
)

// Config is the root configuration document. Everything lives under the
// top-level "gateway" key.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
}

// GatewayConfig holds the complete gateway configuration.
type GatewayConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Events     EventsConfig     `yaml:"events"`
	AccessLog  AccessLogConfig  `yaml:"accessLog"`
	Redis      RedisConfig      `yaml:"redis"`
	OpenAPI    OpenAPIConfig    `yaml:"openapi"`
	Routes     []RouteConfig    `yaml:"routes"`
}

// ServerConfig defines the public listener.
type ServerConfig struct {
	Address        string   `yaml:"address"` // e.g. ":8080"
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int      `yaml:"maxHeaderBytes"`
	ShutdownGrace  Duration `yaml:"shutdownGrace"`
}

// AdminConfig defines the admin/observability listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // empty = stderr
	MaxSizeMb  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName string            `yaml:"serviceName"`
	SampleRate  float64           `yaml:"sampleRate"` // 0.0 - 1.0
	Insecure    bool              `yaml:"insecure"`   // plaintext gRPC to the collector
	Headers     map[string]string `yaml:"headers"`    // extra headers on export calls
}

// DiscoveryConfig defines service discovery settings.
type DiscoveryConfig struct {
	Registry     RegistryConfig `yaml:"registry"`
	CacheEnabled bool           `yaml:"cacheEnabled"`
	CacheTTL     Duration       `yaml:"cacheTtl"`
	Watch        bool           `yaml:"watch"` // subscribe to registry changes to refresh the cache
}

// RegistryConfig selects and configures the registry backend.
type RegistryConfig struct {
	Type       string           `yaml:"type"` // memory, consul, etcd, kubernetes, dns
	Consul     ConsulConfig     `yaml:"consul"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	DNS        DNSConfig        `yaml:"dns"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// ConsulConfig defines Consul-specific settings.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// EtcdConfig defines etcd-specific settings.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Prefix    string   `yaml:"prefix"` // key prefix, default "/services"
}

// KubernetesConfig defines Kubernetes Endpoints-based discovery settings.
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"` // empty = in-cluster config
}

// DNSConfig defines DNS SRV/A discovery settings.
type DNSConfig struct {
	Nameserver      string   `yaml:"nameserver"` // host:port, empty = system resolver
	Domain          string   `yaml:"domain"`     // e.g. "service.consul"
	Port            int      `yaml:"port"`       // fallback port when only A records exist
	RefreshInterval Duration `yaml:"refreshInterval"`
}

// MemoryConfig seeds the in-memory registry, mainly for dev and tests.
type MemoryConfig struct {
	Services map[string][]StaticInstance `yaml:"services"`
}

// StaticInstance describes a statically configured service instance.
type StaticInstance struct {
	ID       string            `yaml:"id"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Protocol string            `yaml:"protocol"`
	Status   string            `yaml:"status"`
	Metadata map[string]string `yaml:"metadata"`
}

// ResilienceConfig defines route-level defaults for the resilience stack.
type ResilienceConfig struct {
	DefaultTimeout        Duration              `yaml:"defaultTimeout"` // 0 = no timeout
	DefaultRetry          *RetryConfig          `yaml:"defaultRetry"`
	DefaultCircuitBreaker *CircuitBreakerConfig `yaml:"defaultCircuitBreaker"`
}

// RetryConfig defines retry behavior for upstream calls.
type RetryConfig struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	Backoff     Duration `yaml:"backoffMs"`    // base delay, doubled per attempt
	MaxBackoff  Duration `yaml:"maxBackoffMs"` // cap, 0 = 10x base
	Jitter      bool     `yaml:"jitter"`
	Methods     []string `yaml:"methods"`     // restrict retries to these methods, empty = all
	BudgetRatio float64  `yaml:"budgetRatio"` // max retries per request over 10s, 0 = unlimited
}

// CircuitBreakerConfig defines per-service circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	Cooldown         Duration `yaml:"cooldownMs"`
	HalfOpenMaxCalls int      `yaml:"halfOpenMaxCalls"`
}

// MetricsConfig defines the sliding-window metrics settings. Enabled
// controls the Prometheus exporter; in-memory windows always run.
type MetricsConfig struct {
	Enabled            bool     `yaml:"enabled"`
	WindowSize         Duration `yaml:"windowSize"`
	CollectionInterval Duration `yaml:"collectionInterval"`
}

// EventsConfig defines the event pipeline settings.
type EventsConfig struct {
	BufferSize int  `yaml:"bufferSize"` // async delivery queue size
	History    int  `yaml:"history"`    // events retained for the admin API
	Log        bool `yaml:"log"`        // mirror events into the logger
}

// AccessLogConfig defines per-request logging.
type AccessLogConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"` // 0.0 - 1.0
}

// RedisConfig defines the Redis connection used by the distributed
// rate-limit strategy.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpenAPIConfig generates routes from an OpenAPI 3 document.
type OpenAPIConfig struct {
	Spec        string `yaml:"spec"` // file path
	ServiceName string `yaml:"serviceName"`
	StripPrefix string `yaml:"stripPrefix"`
	AddPrefix   string `yaml:"addPrefix"`
}

// RouteConfig defines a single gateway route. Routes are immutable after
// construction; hot reload swaps the whole table.
type RouteConfig struct {
	ID            string               `yaml:"id"` // derived from path when empty
	Path          string               `yaml:"path"`
	Methods       []string             `yaml:"methods"` // empty = all methods
	ServiceName   string               `yaml:"serviceName"`
	StripPrefix   string               `yaml:"stripPrefix"`
	AddPrefix     string               `yaml:"addPrefix"`
	LoadBalancer  string               `yaml:"loadBalancer"` // round-robin, random, least-connections, weighted-round-robin, ip-hash
	Filter        *FilterConfig        `yaml:"filter"`
	VersionRoute  *VersionRouteConfig  `yaml:"versionRoute"`
	Canary        *CanaryConfig        `yaml:"canary"`
	TrafficPolicy *TrafficPolicyConfig `yaml:"trafficPolicy"`
	RateLimit     *RateLimitConfig     `yaml:"rateLimit"`
	Transform     *TransformConfig     `yaml:"transform"`
}

// FilterConfig restricts discovery to matching instances.
type FilterConfig struct {
	Status   string            `yaml:"status"` // default "UP"
	Metadata map[string]string `yaml:"metadata"`
}

// VersionRouteConfig defines explicit version routing.
type VersionRouteConfig struct {
	Strategy   string                  `yaml:"strategy"`   // single strategy shorthand
	Strategies []string                `yaml:"strategies"` // priority order: header, uri, query
	Header     string                  `yaml:"header"`     // default "X-API-Version"
	QueryParam string                  `yaml:"queryParam"` // default "version"
	Routes     map[string]VersionEntry `yaml:"routes"`
}

// VersionEntry defines one version target.
type VersionEntry struct {
	Weight        int           `yaml:"weight"`
	AllowExplicit bool          `yaml:"allowExplicit"`
	Filter        *FilterConfig `yaml:"filter"`
}

// CanaryConfig defines a progressive rollout between two versions.
type CanaryConfig struct {
	Stable    CanaryTarget    `yaml:"stable"`
	Canary    CanaryTarget    `yaml:"canary"`
	Promotion PromotionConfig `yaml:"promotion"`
}

// CanaryTarget names a version and its initial traffic weight.
type CanaryTarget struct {
	Version string `yaml:"version"`
	Weight  int    `yaml:"weight"`
}

// PromotionConfig controls canary evaluation and weight progression.
type PromotionConfig struct {
	Strategy         string   `yaml:"strategy"`       // error-rate, latency, custom
	ErrorThreshold   float64  `yaml:"errorThreshold"` // percent
	LatencyThreshold Duration `yaml:"latencyThreshold"`
	MinRequests      int      `yaml:"minRequests"`
	EvaluationWindow Duration `yaml:"evaluationWindow"`
	StepInterval     Duration `yaml:"stepInterval"`
	Steps            []int    `yaml:"steps"`
	AutoPromote      bool     `yaml:"autoPromote"`
	AutoRollback     bool     `yaml:"autoRollback"`
	PromoteWhen      string   `yaml:"promoteWhen"`  // custom strategy expression
	RollbackWhen     string   `yaml:"rollbackWhen"` // custom strategy expression
}

// TrafficPolicyConfig bundles per-route resilience and mirroring.
type TrafficPolicyConfig struct {
	Mirror         *MirrorConfig         `yaml:"mirror"`
	Timeout        Duration              `yaml:"timeout"` // overrides resilience.defaultTimeout
	Retry          *RetryConfig          `yaml:"retry"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// MirrorConfig defines traffic shadowing.
type MirrorConfig struct {
	Service         string               `yaml:"service"`
	Percentage      float64              `yaml:"percentage"` // 0 - 100
	WaitForResponse bool                 `yaml:"waitForResponse"`
	Timeout         Duration             `yaml:"timeout"` // independent of the primary, default 5s
	Conditions      *MirrorConditions    `yaml:"conditions"`
	Compare         *MirrorCompareConfig `yaml:"compare"`
}

// MirrorCompareConfig enables comparing shadow responses against the
// primary's status and body hash.
type MirrorCompareConfig struct {
	Enabled       bool `yaml:"enabled"`
	LogMismatches bool `yaml:"logMismatches"`
}

// MirrorConditions restricts which requests are mirrored. All configured
// conditions must hold.
type MirrorConditions struct {
	Methods  []string          `yaml:"methods"`
	Headers  map[string]string `yaml:"headers"`
	PathGlob string            `yaml:"pathGlob"` // doublestar pattern against the request path
}

// RateLimitConfig defines per-route rate limiting.
type RateLimitConfig struct {
	Strategy string   `yaml:"strategy"` // sliding-window, token-bucket, distributed
	Max      int      `yaml:"max"`
	Window   Duration `yaml:"window"`
	KeyBy    string   `yaml:"keyBy"` // "" = per-route, "ip" = per client IP
}

// TransformConfig bundles request and response mutations.
type TransformConfig struct {
	Request  *RequestTransformConfig  `yaml:"request"`
	Response *ResponseTransformConfig `yaml:"response"`
}

// RequestTransformConfig mutates the request before forwarding.
type RequestTransformConfig struct {
	Headers *HeaderTransformConfig `yaml:"headers"`
	Body    *BodyTransformConfig   `yaml:"body"`
}

// ResponseTransformConfig mutates the response before returning it.
type ResponseTransformConfig struct {
	Headers  *HeaderTransformConfig `yaml:"headers"`
	Body     *BodyTransformConfig   `yaml:"body"`
	JMESPath string                 `yaml:"jmespath"` // projection applied to JSON bodies
}

// HeaderTransformConfig adds, sets, and removes headers.
type HeaderTransformConfig struct {
	Add    map[string]string `yaml:"add"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// BodyTransformConfig edits JSON bodies by path.
type BodyTransformConfig struct {
	Set    map[string]interface{} `yaml:"set"`
	Remove []string               `yaml:"remove"`
	Rename map[string]string      `yaml:"rename"`
}

// DefaultConfig returns the configuration baseline applied before
// unmarshaling.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Server: ServerConfig{
				Address:       ":8080",
				ReadTimeout:   Duration(30 * time.Second),
				WriteTimeout:  Duration(30 * time.Second),
				IdleTimeout:   Duration(120 * time.Second),
				ShutdownGrace: Duration(15 * time.Second),
			},
			Admin: AdminConfig{
				Enabled: false,
				Address: ":9090",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Tracing: TracingConfig{
				Enabled:     false,
				ServiceName: "apron",
				SampleRate:  1.0,
			},
			Discovery: DiscoveryConfig{
				Registry:     RegistryConfig{Type: "memory"},
				CacheEnabled: true,
				CacheTTL:     Duration(30 * time.Second),
			},
			Metrics: MetricsConfig{
				Enabled:            true,
				WindowSize:         Duration(60 * time.Second),
				CollectionInterval: Duration(10 * time.Second),
			},
			Events: EventsConfig{
				BufferSize: 1000,
				History:    100,
				Log:        true,
			},
			AccessLog: AccessLogConfig{
				Enabled:    true,
				SampleRate: 1.0,
			},
		},
	}
}
