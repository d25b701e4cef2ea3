package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/apron/internal/canary"
	"github.com/wudi/apron/internal/events"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/mirror"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/version"
)

// AdminHandler returns the admin API: read-only JSON surfaces plus the
// manual canary controls. It is served on its own listener and carries
// no authentication; deployments gate it at the network layer.
func (g *Gateway) AdminHandler() http.Handler {
	mux := httprouter.New()

	mux.GET("/healthz", g.handleHealthz)
	mux.GET("/routes", g.handleAdminRoutes)
	mux.GET("/stats", g.handleAdminStats)
	mux.GET("/events", g.handleAdminEvents)
	if g.exporter != nil {
		mux.Handler(http.MethodGet, "/metrics", g.exporter.Handler())
	}
	mux.POST("/canary/:route/:action", g.handleCanaryAction)

	return mux
}

// handleHealthz reports liveness plus the state of optional backends.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]interface{})
	healthy := true

	if g.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = map[string]interface{}{"status": "fail", "error": err.Error()}
			healthy = false
		} else {
			checks["redis"] = map[string]interface{}{"status": "ok"}
		}
	}
	if g.tracer.Enabled() {
		checks["tracing"] = g.tracer.GetStatus()
	}

	status := http.StatusOK
	text := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		text = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": text,
		"uptime": time.Since(g.startTime).String(),
		"routes": len(g.currentTable().runtimes),
		"checks": checks,
	})
}

// routeInfo is the admin view of one configured route.
type routeInfo struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"`
	Methods      []string `json:"methods,omitempty"`
	Service      string   `json:"service"`
	StripPrefix  string   `json:"stripPrefix,omitempty"`
	AddPrefix    string   `json:"addPrefix,omitempty"`
	LoadBalancer string   `json:"loadBalancer,omitempty"`
	RateLimit    string   `json:"rateLimit,omitempty"`
	Canary       string   `json:"canary,omitempty"`
	VersionRoute bool     `json:"versionRoute,omitempty"`
	Mirror       string   `json:"mirror,omitempty"`
}

// handleAdminRoutes lists the route table in specificity order.
func (g *Gateway) handleAdminRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	t := g.currentTable()
	result := make([]routeInfo, 0, len(t.runtimes))
	for _, route := range t.router.Routes() {
		rc := route.Config
		info := routeInfo{
			ID:           route.ID,
			Path:         rc.Path,
			Methods:      rc.Methods,
			Service:      rc.ServiceName,
			StripPrefix:  rc.StripPrefix,
			AddPrefix:    rc.AddPrefix,
			LoadBalancer: rc.LoadBalancer,
			VersionRoute: rc.VersionRoute != nil,
		}
		if rc.RateLimit != nil {
			info.RateLimit = rc.RateLimit.Strategy
		}
		if rt := t.runtimes[route.ID]; rt.engine != nil {
			info.Canary = string(rt.engine.State())
		}
		if rc.TrafficPolicy != nil && rc.TrafficPolicy.Mirror != nil {
			info.Mirror = rc.TrafficPolicy.Mirror.Service
		}
		result = append(result, info)
	}

	json.NewEncoder(w).Encode(result)
}

// routeStats bundles every per-route observable surface.
type routeStats struct {
	Service    string                   `json:"service"`
	Window     metrics.Snapshot         `json:"window"`
	Retry      *retry.Snapshot          `json:"retry,omitempty"`
	Canary     *canary.Snapshot         `json:"canary,omitempty"`
	Versions   map[string]version.Stats `json:"versions,omitempty"`
	Unresolved int64                    `json:"unresolvedVersions,omitempty"`
	Mirror     *mirror.Snapshot         `json:"mirror,omitempty"`
}

// handleAdminStats reports per-route window snapshots, rollout status,
// and the shared breaker states.
func (g *Gateway) handleAdminStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	t := g.currentTable()
	routes := make(map[string]routeStats, len(t.runtimes))
	for id, rt := range t.runtimes {
		rs := routeStats{
			Service: rt.route.Config.ServiceName,
			Window:  rt.proxy.Stats(),
		}
		if rt.retry != nil {
			snap := rt.retry.Stats()
			rs.Retry = &snap
		}
		if rt.engine != nil {
			snap := rt.engine.Snapshot()
			rs.Canary = &snap
		}
		if rt.versions != nil {
			rs.Versions = rt.versions.Snapshot()
			rs.Unresolved = rt.versions.Unresolved()
		}
		if rt.mirror != nil {
			snap := rt.mirror.Stats()
			rs.Mirror = &snap
		}
		routes[id] = rs
	}

	response := map[string]interface{}{
		"routes":   routes,
		"breakers": g.breakers.States(),
	}
	if g.buffered != nil {
		response["eventsDropped"] = g.buffered.Dropped()
	}

	json.NewEncoder(w).Encode(response)
}

// handleAdminEvents returns the recent events ring, optionally filtered
// with ?kind=.
func (g *Gateway) handleAdminEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")

	var recent []events.Event
	if kind := r.URL.Query().Get("kind"); kind != "" {
		recent = g.recorder.ByKind(events.Kind(kind))
	} else {
		recent = g.recorder.Recent()
	}
	if recent == nil {
		recent = []events.Event{}
	}

	json.NewEncoder(w).Encode(recent)
}

// handleCanaryAction drives one rollout manually:
// POST /canary/:route/{promote|rollback|pause|resume|reset}.
func (g *Gateway) handleCanaryAction(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	routeID := ps.ByName("route")
	action := ps.ByName("action")

	w.Header().Set("Content-Type", "application/json")

	rt, ok := g.currentTable().runtimes[routeID]
	if !ok || rt.engine == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("no canary rollout for route %q", routeID),
		})
		return
	}

	var err error
	switch action {
	case "promote":
		err = rt.engine.PromoteStep()
	case "rollback":
		err = rt.engine.RollbackNow()
	case "pause":
		err = rt.engine.Pause()
	case "resume":
		err = rt.engine.Resume()
	case "reset":
		err = rt.engine.Reset()
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("unknown action %q (valid: promote, rollback, pause, resume, reset)", action),
		})
		return
	}

	if err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	if g.exporter != nil {
		_, canaryWeight := rt.engine.Weights()
		g.exporter.SetCanaryWeight(routeID, canaryWeight)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"route":  routeID,
		"action": action,
		"state":  string(rt.engine.State()),
	})
}
