package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/canary"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/events"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/mirror"
	"github.com/wudi/apron/internal/tracing"
)

// RequestIDHeader carries the request correlation ID. Inbound values
// are trusted; absent ones are generated.
const RequestIDHeader = "X-Request-ID"

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// Handler returns the public request handler: request ID, panic
// recovery, then the routing pipeline.
func (g *Gateway) Handler() http.Handler {
	return withRequestID(recoverPanics(http.HandlerFunc(g.serve)))
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				errors.ErrInternal.WithRequestID(r.Header.Get(RequestIDHeader)).WriteJSON(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// serve runs one request through the pipeline: match, dispatch through
// the route's proxy, relay or map the outcome, then mirror, metrics,
// and the access log.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(RequestIDHeader)

	t := g.currentTable()
	m, ok := t.router.Match(r.URL.Path)
	if !ok {
		logging.Debug("no matching route", zap.String("path", r.URL.Path))
		errors.NoRoute(r.URL.Path).WithRequestID(requestID).WriteJSON(w)
		g.accessLog.Log(r, "", http.StatusNotFound, "", time.Since(start))
		return
	}

	rt := t.runtimes[m.Route.ID]
	if !m.Route.AllowsMethod(r.Method) {
		errors.MethodNotAllowed(r.URL.Path).WithRequestID(requestID).WriteJSON(w)
		g.finishRequest(r, rt, http.StatusMethodNotAllowed, "", time.Since(start))
		return
	}

	r, span := g.tracer.StartRequest(w, r, rt.route.ID, rt.route.Config.ServiceName)

	// The mirror decision is made up front so the body can be buffered
	// before the proxy consumes it. Compare mode additionally records
	// what the client ends up seeing.
	var out http.ResponseWriter = w
	var mirrorBody []byte
	var mirrorRec *mirror.Recorder
	mirrorNow := false
	if rt.mirror != nil && rt.mirror.ShouldMirror(r) {
		body, err := mirror.BufferRequestBody(r)
		if err != nil {
			logging.Warn("mirror body buffering failed, shadow skipped",
				zap.String("route", rt.route.ID), zap.Error(err))
		} else {
			mirrorNow = true
			mirrorBody = body
			if rt.mirror.CompareEnabled() {
				mirrorRec = mirror.NewRecorder(w)
				out = mirrorRec
			}
		}
	}

	resp, ver, err := g.dispatch(rt, r)

	var status int
	if err != nil {
		status = g.writeError(out, rt, requestID, err)
	} else {
		status = resp.StatusCode
		relay(out, resp)
	}

	if mirrorNow {
		var primary *mirror.PrimaryResponse
		if mirrorRec != nil {
			primary = mirrorRec.Primary()
		}
		rt.mirror.Send(r, mirrorBody, primary)
	}

	d := time.Since(start)
	tracing.Finish(span, status, ver)
	g.finishRequest(r, rt, status, ver, d)
}

// dispatch forwards the request along the route's configured path:
// canary split, explicit version routing, or the plain proxy.
func (g *Gateway) dispatch(rt *routeRuntime, r *http.Request) (*http.Response, string, error) {
	switch {
	case rt.engine != nil:
		target := rt.engine.SelectTarget()
		ver := rt.engine.Version(target)
		start := time.Now()
		resp, err := rt.proxy.ForwardToVersion(r, ver)
		recordCanary(rt.engine, target, resp, err, time.Since(start))
		return resp, ver, err

	case rt.versions != nil:
		res := rt.versions.Resolve(r)
		if res.Version == "" {
			resp, err := rt.proxy.Forward(r)
			return resp, "", err
		}
		if entry, ok := rt.versions.Entry(res.Version); ok && entry.Filter != nil {
			resp, err := rt.proxy.ForwardWithFilter(r, entry.Filter.WithVersion(res.Version))
			return resp, res.Version, err
		}
		resp, err := rt.proxy.ForwardToVersion(r, res.Version)
		return resp, res.Version, err

	default:
		resp, err := rt.proxy.Forward(r)
		return resp, "", err
	}
}

// recordCanary feeds the forward outcome into the target's evaluation
// window. Rate-limit rejections never reached the target and are not
// evidence either way.
func recordCanary(engine *canary.Engine, target canary.Target, resp *http.Response, err error, d time.Duration) {
	switch {
	case err != nil:
		if errors.KindOf(err) == errors.KindRateLimited {
			return
		}
		engine.RecordFailure(target, d, string(errors.KindOf(err)))
	case resp.StatusCode >= http.StatusInternalServerError:
		engine.RecordFailure(target, d, fmt.Sprintf("HTTP_%d", resp.StatusCode))
	default:
		engine.RecordSuccess(target, d)
	}
}

// writeError maps a dispatch error onto its JSON response, emits the
// matching event, and returns the status written.
func (g *Gateway) writeError(w http.ResponseWriter, rt *routeRuntime, requestID string, err error) int {
	service := rt.route.Config.ServiceName

	ae, ok := errors.FromError(err)
	if !ok {
		ae = errors.Wrap(err, errors.KindInternal, "request failed")
	}
	ae = ae.WithService(service).WithRequestID(requestID)

	switch ae.Kind {
	case errors.KindRateLimited:
		g.sink.Publish(events.New(events.RateLimitExceeded, rt.route.ID, service, map[string]interface{}{
			"retryAfterMs": ae.RetryAfter.Milliseconds(),
		}))
		if g.exporter != nil {
			g.exporter.RateLimited(rt.route.ID)
		}

	case errors.KindNoInstances, errors.KindCircuitOpen, errors.KindUpstreamTimeout, errors.KindUpstreamTransport:
		g.sink.Publish(events.New(events.RouteError, rt.route.ID, service, map[string]interface{}{
			"error":   string(ae.Kind),
			"message": ae.Message,
		}))
		if ae.Kind == errors.KindUpstreamTimeout {
			g.sink.Publish(events.New(events.RouteTimeout, rt.route.ID, service, nil))
		}
		if g.exporter != nil {
			g.exporter.UpstreamError(rt.route.ID)
		}
		logging.Warn("upstream call failed",
			zap.String("route", rt.route.ID),
			zap.String("service", service),
			zap.String("kind", string(ae.Kind)),
			zap.String("requestId", requestID))

	default:
		g.sink.Publish(events.New(events.RouteError, rt.route.ID, service, map[string]interface{}{
			"error":   string(ae.Kind),
			"message": ae.Message,
		}))
		logging.Error("request failed",
			zap.String("route", rt.route.ID),
			zap.String("service", service),
			zap.String("requestId", requestID),
			zap.Error(err))
	}

	ae.WriteJSON(w)
	return ae.Status
}

// relay copies the upstream response to the client.
func relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("response relay interrupted", zap.Error(err))
	}
}

// finishRequest records the per-request observability tail: the
// Prometheus series, the canary weight gauge, and the access log.
func (g *Gateway) finishRequest(r *http.Request, rt *routeRuntime, status int, ver string, d time.Duration) {
	if g.exporter != nil {
		g.exporter.ObserveRequest(rt.route.ID, r.Method, status, ver, d)
		if rt.engine != nil {
			_, canaryWeight := rt.engine.Weights()
			g.exporter.SetCanaryWeight(rt.route.ID, canaryWeight)
		}
	}
	g.accessLog.Log(r, rt.route.ID, status, ver, d)
}
