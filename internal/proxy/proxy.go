// Package proxy forwards requests to discovered upstream instances.
// A Proxy binds one service name plus that route's rewrites, filter,
// and resilience stack; every forward runs rate limit, request
// transform, discovery, the wrapped HTTP call, metrics, and response
// transform in that order.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/ratelimit"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/timeout"
	"github.com/wudi/apron/internal/tracing"
	"github.com/wudi/apron/internal/transform"
)

// errUpstream5xx marks a relayed 5xx so the breaker counts it as a
// failure while the response still reaches the client.
var errUpstream5xx = stderrors.New("upstream returned a server error")

// Options configures a service proxy. Discovery and Service are
// required; everything else is optional.
type Options struct {
	RouteID     string
	Service     string
	StripPrefix string
	AddPrefix   string
	Strategy    discovery.Strategy
	Filter      *discovery.Filter

	Discovery *discovery.Client
	Transport http.RoundTripper

	Limiter  ratelimit.Limiter
	LimitKey func(*http.Request) string

	Transform *transform.Pipeline
	Retry     *retry.Policy
	Breakers  *circuitbreaker.Registry
	Breaker   *config.CircuitBreakerConfig
	Timeout   time.Duration

	Collector *metrics.Collector
}

// Proxy is the per-route upstream composition.
type Proxy struct {
	route       string
	service     string
	stripPrefix string
	addPrefix   string
	strategy    discovery.Strategy
	filter      *discovery.Filter

	discovery *discovery.Client
	transport http.RoundTripper

	limiter  ratelimit.Limiter
	limitKey func(*http.Request) string

	pipeline *transform.Pipeline
	retry    *retry.Policy
	breakers *circuitbreaker.Registry
	breaker  *config.CircuitBreakerConfig
	timeout  time.Duration

	collector *metrics.Collector
}

// New builds a proxy from options.
func New(opts Options) (*Proxy, error) {
	if opts.Service == "" {
		return nil, fmt.Errorf("proxy: service name is required")
	}
	if opts.Discovery == nil {
		return nil, fmt.Errorf("proxy: discovery client is required")
	}

	transport := opts.Transport
	if transport == nil {
		transport = DefaultTransport()
	}
	limitKey := opts.LimitKey
	if limitKey == nil {
		limitKey = ratelimit.KeyFunc(opts.RouteID, "")
	}

	return &Proxy{
		route:       opts.RouteID,
		service:     opts.Service,
		stripPrefix: opts.StripPrefix,
		addPrefix:   opts.AddPrefix,
		strategy:    opts.Strategy,
		filter:      opts.Filter,
		discovery:   opts.Discovery,
		transport:   transport,
		limiter:     opts.Limiter,
		limitKey:    limitKey,
		pipeline:    opts.Transform,
		retry:       opts.Retry,
		breakers:    opts.Breakers,
		breaker:     opts.Breaker,
		timeout:     opts.Timeout,
		collector:   opts.Collector,
	}, nil
}

// Service returns the bound upstream service name.
func (p *Proxy) Service() string { return p.service }

// Stats returns the proxy's sliding-window snapshot, or a zero
// snapshot when no collector is attached.
func (p *Proxy) Stats() metrics.Snapshot {
	if p.collector == nil {
		return metrics.Snapshot{}
	}
	return p.collector.GetSnapshot()
}

// Forward proxies the request to one instance of the bound service
// using the route's default filter. The caller owns the returned
// response body.
func (p *Proxy) Forward(r *http.Request) (*http.Response, error) {
	return p.forward(r, p.filter)
}

// ForwardToVersion narrows the default filter to instances tagged with
// the given version.
func (p *Proxy) ForwardToVersion(r *http.Request, version string) (*http.Response, error) {
	return p.forward(r, p.filter.WithVersion(version))
}

// ForwardWithFilter replaces the default filter for this request.
func (p *Proxy) ForwardWithFilter(r *http.Request, f *discovery.Filter) (*http.Response, error) {
	return p.forward(r, f)
}

func (p *Proxy) forward(r *http.Request, f *discovery.Filter) (*http.Response, error) {
	ctx := r.Context()
	start := time.Now()

	if p.limiter != nil {
		decision := p.limiter.TryAcquire(ctx, p.limitKey(r))
		if !decision.Allowed {
			return nil, errors.RateLimited(decision.RetryAfter)
		}
	}

	p.pipeline.ApplyRequest(r)

	body, err := p.bufferBody(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "read request body")
	}

	resp, err := timeout.Do(ctx, p.timeout, p.service, func(ctx context.Context) (*http.Response, error) {
		return p.execute(ctx, r, f, body)
	})
	if circuitbreaker.IsOpen(err) {
		err = errors.CircuitOpen(p.service)
	}
	if stderrors.Is(err, errUpstream5xx) {
		err = nil
	}

	p.observe(resp, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	if err := p.transformResponse(resp); err != nil {
		resp.Body.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "transform response body")
	}
	return resp, nil
}

// execute runs the breaker around the retry loop so the breaker judges
// the final outcome of all attempts.
func (p *Proxy) execute(ctx context.Context, r *http.Request, f *discovery.Filter, body []byte) (*http.Response, error) {
	call := func(ctx context.Context) (*http.Response, error) {
		return p.attempt(ctx, r, f, body)
	}

	attempts := func() (*http.Response, error) {
		var (
			resp *http.Response
			err  error
		)
		if p.retry != nil {
			resp, err = p.retry.Do(ctx, r.Method, call)
		} else {
			resp, err = call(ctx)
		}
		if err == nil && resp.StatusCode >= http.StatusInternalServerError {
			return resp, errUpstream5xx
		}
		return resp, err
	}

	if p.breakers == nil {
		return attempts()
	}
	breaker := p.breakers.Get(circuitbreaker.Name(p.service), p.breaker)
	return breaker.Execute(attempts)
}

// attempt performs one discovery + HTTP round trip.
func (p *Proxy) attempt(ctx context.Context, r *http.Request, f *discovery.Filter, body []byte) (*http.Response, error) {
	in, err := p.discovery.GetInstance(ctx, p.service, p.strategy, f, ratelimit.ClientIP(r))
	if err != nil {
		return nil, err
	}
	release := p.discovery.Acquire(p.service, in)

	resp, err := p.transport.RoundTrip(p.buildRequest(ctx, r, in, body))
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.UpstreamTransport(p.service, err)
	}

	resp.Body = &releaseOnClose{body: resp.Body, release: release}
	return resp, nil
}

// bufferBody reads the request body into memory when the retry policy
// may replay it. Single-shot requests stream through untouched.
func (p *Proxy) bufferBody(r *http.Request) ([]byte, error) {
	if p.retry == nil || !p.retry.AllowsMethod(r.Method) {
		return nil, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// buildRequest assembles the outbound request: rewritten URL, copied
// headers minus hop-by-hop, forwarding headers, host pinned to the
// instance.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, in *discovery.Instance, body []byte) *http.Request {
	scheme := in.Protocol
	if scheme == "" {
		scheme = "http"
	}
	target := &url.URL{
		Scheme:   scheme,
		Host:     in.Addr(),
		Path:     p.rewritePath(r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	out := (&http.Request{
		Method:     r.Method,
		URL:        target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(r.Header)+3),
		Host:       in.Addr(),
	}).WithContext(ctx)

	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else if r.Body != nil && r.Body != http.NoBody {
		out.Body = r.Body
		out.ContentLength = r.ContentLength
	}

	for k, vv := range r.Header {
		out.Header[k] = vv
	}
	sanitizeRequestHeaders(out.Header)

	if peer, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			peer = prior + ", " + peer
		}
		out.Header.Set("X-Forwarded-For", peer)
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	// Overwrites any stale traceparent copied from the inbound headers
	// with the active span's context.
	tracing.Inject(r.Context(), out.Header)

	return out
}

// rewritePath applies stripPrefix then addPrefix and normalizes the
// result: leading slash, no trailing slash except root.
func (p *Proxy) rewritePath(path string) string {
	if p.stripPrefix != "" && strings.HasPrefix(path, p.stripPrefix) {
		path = strings.TrimPrefix(path, p.stripPrefix)
	}
	if p.addPrefix != "" {
		path = joinSlash(p.addPrefix, path)
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// transformResponse applies the route's response transform to the
// upstream response in place, buffering the body only when the
// transform rewrites it.
func (p *Proxy) transformResponse(resp *http.Response) error {
	sanitizeResponseHeaders(resp.Header)
	p.pipeline.ApplyResponseHeaders(resp.Header)

	if !p.pipeline.MutatesResponseBody() {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	body = p.pipeline.ApplyResponseBody(resp.Header.Get("Content-Type"), body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// observe records the forward outcome: 2xx/3xx/4xx count as success,
// 5xx and gateway failures count against the window.
func (p *Proxy) observe(resp *http.Response, err error, d time.Duration) {
	if p.collector == nil {
		return
	}
	switch {
	case err != nil:
		p.collector.RecordFailure(d, string(errors.KindOf(err)))
	case resp.StatusCode >= http.StatusInternalServerError:
		p.collector.RecordFailure(d, fmt.Sprintf("HTTP_%d", resp.StatusCode))
	default:
		p.collector.RecordSuccess(d)
	}
}

// requestHopHeaders are stripped from outbound requests. Bodies are
// re-framed, so the client's framing headers must not survive; Host is
// carried on the request itself.
var requestHopHeaders = []string{
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Expect",
	"Host",
	"Te",
	"Trailer",
}

// responseHopHeaders are stripped from upstream responses before they
// are relayed. Content-Length survives; the body is copied verbatim.
var responseHopHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Te",
	"Trailer",
}

func sanitizeRequestHeaders(h http.Header) {
	for _, name := range requestHopHeaders {
		h.Del(name)
	}
}

func sanitizeResponseHeaders(h http.Header) {
	for _, name := range responseHopHeaders {
		h.Del(name)
	}
}

func joinSlash(prefix, path string) string {
	ps := strings.HasSuffix(prefix, "/")
	pp := strings.HasPrefix(path, "/")
	switch {
	case ps && pp:
		return prefix + path[1:]
	case !ps && !pp:
		return prefix + "/" + path
	}
	return prefix + path
}

// releaseOnClose pairs the response body with the least-connections
// release for the instance that served it.
type releaseOnClose struct {
	body    io.ReadCloser
	release func()
}

func (rc *releaseOnClose) Read(p []byte) (int, error) { return rc.body.Read(p) }

func (rc *releaseOnClose) Close() error {
	err := rc.body.Close()
	rc.release()
	return err
}
