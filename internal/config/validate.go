package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"json": true, "console": true,
}

var validRegistryTypes = map[string]bool{
	"memory": true, "consul": true, "etcd": true, "kubernetes": true, "dns": true,
}

var validBalancers = map[string]bool{
	"": true, "round-robin": true, "random": true, "least-connections": true,
	"weighted-round-robin": true, "ip-hash": true,
}

var validRateLimitStrategies = map[string]bool{
	"sliding-window": true, "token-bucket": true, "distributed": true,
}

var validVersionStrategies = map[string]bool{
	"header": true, "uri": true, "query": true,
}

var validPromotionStrategies = map[string]bool{
	"error-rate": true, "latency": true, "custom": true,
}

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "CONNECT": true, "OPTIONS": true, "TRACE": true,
}

var validInstanceStatuses = map[string]bool{
	"UP": true, "DOWN": true, "STARTING": true, "OUT_OF_SERVICE": true,
}

// validate checks the configuration for structural errors. It runs after
// normalization, so derived fields (route IDs, defaulted strategies) are
// already in place.
func validate(cfg *Config) error {
	gw := &cfg.Gateway

	if gw.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if !validLogLevels[gw.Logging.Level] {
		return fmt.Errorf("logging.level %q is invalid (want debug, info, warn, or error)", gw.Logging.Level)
	}
	if !validLogFormats[gw.Logging.Format] {
		return fmt.Errorf("logging.format %q is invalid (want json or console)", gw.Logging.Format)
	}

	if gw.Tracing.Enabled && gw.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if gw.Tracing.SampleRate < 0 || gw.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sampleRate %v must be between 0.0 and 1.0", gw.Tracing.SampleRate)
	}

	if gw.AccessLog.SampleRate < 0 || gw.AccessLog.SampleRate > 1 {
		return fmt.Errorf("accessLog.sampleRate %v must be between 0.0 and 1.0", gw.AccessLog.SampleRate)
	}

	if err := validateRegistry(&gw.Discovery.Registry); err != nil {
		return err
	}

	if gw.Metrics.WindowSize <= 0 {
		return fmt.Errorf("metrics.windowSize must be positive")
	}

	if gw.OpenAPI.Spec != "" && gw.OpenAPI.ServiceName == "" {
		return fmt.Errorf("openapi.serviceName is required when openapi.spec is set")
	}

	if gw.Resilience.DefaultRetry != nil {
		if err := validateRetry(gw.Resilience.DefaultRetry, "resilience.defaultRetry"); err != nil {
			return err
		}
	}
	if gw.Resilience.DefaultCircuitBreaker != nil {
		if err := validateBreaker(gw.Resilience.DefaultCircuitBreaker, "resilience.defaultCircuitBreaker"); err != nil {
			return err
		}
	}

	ids := make(map[string]bool, len(gw.Routes))
	paths := make(map[string]bool, len(gw.Routes))
	for i := range gw.Routes {
		r := &gw.Routes[i]
		if ids[r.ID] {
			return fmt.Errorf("duplicate route ID %q", r.ID)
		}
		ids[r.ID] = true
		if paths[r.Path] {
			return fmt.Errorf("duplicate route path %q", r.Path)
		}
		paths[r.Path] = true

		if err := validateRoute(r, cfg); err != nil {
			return err
		}
	}

	return nil
}

func validateRegistry(rc *RegistryConfig) error {
	if !validRegistryTypes[rc.Type] {
		return fmt.Errorf("discovery.registry.type %q is invalid (want memory, consul, etcd, kubernetes, or dns)", rc.Type)
	}
	switch rc.Type {
	case "consul":
		if rc.Consul.Address == "" {
			return fmt.Errorf("discovery.registry.consul.address is required")
		}
	case "etcd":
		if len(rc.Etcd.Endpoints) == 0 {
			return fmt.Errorf("discovery.registry.etcd.endpoints is required")
		}
	case "dns":
		if rc.DNS.Domain == "" {
			return fmt.Errorf("discovery.registry.dns.domain is required")
		}
	}
	for svc, instances := range rc.Memory.Services {
		for _, inst := range instances {
			if inst.Host == "" || inst.Port <= 0 {
				return fmt.Errorf("memory registry instance for %q needs host and port", svc)
			}
			if inst.Status != "" && !validInstanceStatuses[inst.Status] {
				return fmt.Errorf("memory registry instance for %q has invalid status %q", svc, inst.Status)
			}
		}
	}
	return nil
}

func validateRoute(r *RouteConfig, cfg *Config) error {
	if r.Path == "" {
		return fmt.Errorf("route %q: path is required", r.ID)
	}
	if err := validatePattern(r.Path); err != nil {
		return fmt.Errorf("route %q: %w", r.ID, err)
	}
	if r.ServiceName == "" {
		return fmt.Errorf("route %q: serviceName is required", r.ID)
	}

	for _, m := range r.Methods {
		if !validMethods[m] {
			return fmt.Errorf("route %q: invalid method %q", r.ID, m)
		}
	}

	if r.StripPrefix != "" && !strings.HasPrefix(r.StripPrefix, "/") {
		return fmt.Errorf("route %q: stripPrefix must start with /", r.ID)
	}
	if r.AddPrefix != "" && !strings.HasPrefix(r.AddPrefix, "/") {
		return fmt.Errorf("route %q: addPrefix must start with /", r.ID)
	}

	if !validBalancers[r.LoadBalancer] {
		return fmt.Errorf("route %q: invalid loadBalancer %q", r.ID, r.LoadBalancer)
	}

	if r.Filter != nil && !validInstanceStatuses[r.Filter.Status] {
		return fmt.Errorf("route %q: invalid filter status %q", r.ID, r.Filter.Status)
	}

	if rl := r.RateLimit; rl != nil {
		if !validRateLimitStrategies[rl.Strategy] {
			return fmt.Errorf("route %q: invalid rateLimit strategy %q", r.ID, rl.Strategy)
		}
		if rl.Max <= 0 {
			return fmt.Errorf("route %q: rateLimit.max must be positive", r.ID)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("route %q: rateLimit.window must be positive", r.ID)
		}
		if rl.KeyBy != "" && rl.KeyBy != "ip" {
			return fmt.Errorf("route %q: rateLimit.keyBy %q is invalid (want ip)", r.ID, rl.KeyBy)
		}
		if rl.Strategy == "distributed" && cfg.Gateway.Redis.Address == "" {
			return fmt.Errorf("route %q: distributed rate limit requires redis.address", r.ID)
		}
	}

	if tp := r.TrafficPolicy; tp != nil {
		if tp.Retry != nil {
			if err := validateRetry(tp.Retry, fmt.Sprintf("route %q retry", r.ID)); err != nil {
				return err
			}
		}
		if tp.CircuitBreaker != nil {
			if err := validateBreaker(tp.CircuitBreaker, fmt.Sprintf("route %q circuitBreaker", r.ID)); err != nil {
				return err
			}
		}
		if m := tp.Mirror; m != nil {
			if m.Service == "" {
				return fmt.Errorf("route %q: mirror.service is required", r.ID)
			}
			if m.Percentage < 0 || m.Percentage > 100 {
				return fmt.Errorf("route %q: mirror.percentage %v must be between 0 and 100", r.ID, m.Percentage)
			}
		}
	}

	if vr := r.VersionRoute; vr != nil {
		if err := validateVersionRoute(vr, r.ID); err != nil {
			return err
		}
	}

	if c := r.Canary; c != nil {
		if err := validateCanary(c, r.ID); err != nil {
			return err
		}
	}

	if r.VersionRoute != nil && r.Canary != nil {
		return fmt.Errorf("route %q: versionRoute and canary are mutually exclusive", r.ID)
	}

	return nil
}

// validatePattern checks path pattern syntax: /-separated segments of
// literals, :params, single *, with ** allowed only as the final segment.
func validatePattern(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must start with /", path)
	}
	if path == "/" {
		return nil
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, seg := range segs {
		switch {
		case seg == "":
			return fmt.Errorf("path %q has an empty segment", path)
		case seg == "**":
			if i != len(segs)-1 {
				return fmt.Errorf("path %q: ** is only allowed as the final segment", path)
			}
		case seg == "*":
			// single-segment wildcard
		case strings.HasPrefix(seg, ":"):
			if len(seg) == 1 {
				return fmt.Errorf("path %q has an unnamed parameter", path)
			}
		case strings.ContainsAny(seg, "*:"):
			return fmt.Errorf("path %q: segment %q mixes literals and wildcards", path, seg)
		}
	}
	return nil
}

func validateRetry(rc *RetryConfig, where string) error {
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("%s: maxAttempts must be at least 1", where)
	}
	if rc.MaxAttempts > 1 && rc.Backoff <= 0 {
		return fmt.Errorf("%s: backoffMs must be positive", where)
	}
	for _, m := range rc.Methods {
		if !validMethods[strings.ToUpper(m)] {
			return fmt.Errorf("%s: invalid method %q", where, m)
		}
	}
	return nil
}

func validateBreaker(bc *CircuitBreakerConfig, where string) error {
	if bc.FailureThreshold < 1 {
		return fmt.Errorf("%s: failureThreshold must be at least 1", where)
	}
	if bc.Cooldown <= 0 {
		return fmt.Errorf("%s: cooldownMs must be positive", where)
	}
	if bc.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("%s: halfOpenMaxCalls must be at least 1", where)
	}
	return nil
}

func validateVersionRoute(vr *VersionRouteConfig, routeID string) error {
	for _, s := range vr.Strategies {
		if !validVersionStrategies[s] {
			return fmt.Errorf("route %q: invalid version strategy %q (want header, uri, or query)", routeID, s)
		}
	}
	if len(vr.Routes) == 0 {
		return fmt.Errorf("route %q: versionRoute.routes must not be empty", routeID)
	}
	for version, entry := range vr.Routes {
		if entry.Weight < 0 {
			return fmt.Errorf("route %q: version %q has negative weight", routeID, version)
		}
		if entry.Filter != nil && !validInstanceStatuses[entry.Filter.Status] {
			return fmt.Errorf("route %q: version %q has invalid filter status %q", routeID, version, entry.Filter.Status)
		}
	}
	return nil
}

func validateCanary(c *CanaryConfig, routeID string) error {
	if c.Stable.Version == "" || c.Canary.Version == "" {
		return fmt.Errorf("route %q: canary stable.version and canary.version are required", routeID)
	}
	if c.Stable.Version == c.Canary.Version {
		return fmt.Errorf("route %q: canary stable and canary versions must differ", routeID)
	}
	if c.Stable.Weight+c.Canary.Weight != 100 {
		return fmt.Errorf("route %q: canary weights must sum to 100, got %d", routeID, c.Stable.Weight+c.Canary.Weight)
	}
	if c.Stable.Weight < 0 || c.Canary.Weight < 0 {
		return fmt.Errorf("route %q: canary weights must not be negative", routeID)
	}

	p := &c.Promotion
	if !validPromotionStrategies[p.Strategy] {
		return fmt.Errorf("route %q: invalid promotion strategy %q (want error-rate, latency, or custom)", routeID, p.Strategy)
	}
	switch p.Strategy {
	case "error-rate":
		if p.ErrorThreshold < 0 || p.ErrorThreshold > 100 {
			return fmt.Errorf("route %q: errorThreshold %v must be between 0 and 100", routeID, p.ErrorThreshold)
		}
	case "latency":
		if p.LatencyThreshold <= 0 {
			return fmt.Errorf("route %q: latencyThreshold must be positive for the latency strategy", routeID)
		}
	case "custom":
		if p.PromoteWhen == "" && p.RollbackWhen == "" {
			return fmt.Errorf("route %q: custom strategy requires promoteWhen or rollbackWhen", routeID)
		}
	}

	if p.EvaluationWindow <= 0 {
		return fmt.Errorf("route %q: evaluationWindow must be positive", routeID)
	}
	if p.StepInterval <= 0 {
		return fmt.Errorf("route %q: stepInterval must be positive", routeID)
	}
	if p.MinRequests < 0 {
		return fmt.Errorf("route %q: minRequests must not be negative", routeID)
	}

	last := 0
	for _, step := range p.Steps {
		if step <= last {
			return fmt.Errorf("route %q: canary steps must be strictly increasing, got %v", routeID, p.Steps)
		}
		if step > 100 {
			return fmt.Errorf("route %q: canary step %d exceeds 100", routeID, step)
		}
		last = step
	}

	return nil
}
