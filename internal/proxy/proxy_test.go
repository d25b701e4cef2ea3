package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/apron/internal/circuitbreaker"
	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/discovery/memory"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/metrics"
	"github.com/wudi/apron/internal/ratelimit"
	"github.com/wudi/apron/internal/retry"
	"github.com/wudi/apron/internal/transform"
)

// register adds an httptest server as an instance of service.
func register(t *testing.T, reg *memory.Registry, service string, srv *httptest.Server, meta map[string]string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse upstream port: %v", err)
	}
	err = reg.Register(context.Background(), &discovery.Instance{
		ServiceName: service,
		Host:        u.Hostname(),
		Port:        port,
		Metadata:    meta,
	})
	if err != nil {
		t.Fatalf("register upstream: %v", err)
	}
}

func newTestProxy(t *testing.T, opts Options) *Proxy {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func kindOf(t *testing.T, err error) errors.Kind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return errors.KindOf(err)
}

type stubLimiter struct {
	allowed bool
	after   time.Duration
}

func (s stubLimiter) TryAcquire(context.Context, string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: s.allowed, RetryAfter: s.after}
}

func TestForwardRelaysUpstreamResponse(t *testing.T) {
	var seenHost, seenConn, seenXFH, seenXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		seenConn = r.Header.Get("Connection")
		seenXFH = r.Header.Get("X-Forwarded-Host")
		seenXFF = r.Header.Get("X-Forwarded-For")
		w.Header().Set("X-Upstream", "users-1")
		w.WriteHeader(201)
		io.WriteString(w, "created")
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
	})

	req := httptest.NewRequest("GET", "http://gw.example.com/users/1", nil)
	req.Header.Set("Connection", "keep-alive")

	resp, err := p.Forward(req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "created" {
		t.Fatalf("body = %q, want %q", body, "created")
	}
	if resp.Header.Get("X-Upstream") != "users-1" {
		t.Fatalf("X-Upstream = %q", resp.Header.Get("X-Upstream"))
	}

	if !strings.HasPrefix(seenHost, "127.0.0.1:") {
		t.Fatalf("upstream host = %q, want instance address", seenHost)
	}
	if seenConn != "" {
		t.Fatalf("Connection header leaked through: %q", seenConn)
	}
	if seenXFH != "gw.example.com" {
		t.Fatalf("X-Forwarded-Host = %q", seenXFH)
	}
	if seenXFF != "192.0.2.1" {
		t.Fatalf("X-Forwarded-For = %q", seenXFF)
	}
}

func TestForwardRewritesPath(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	client := discovery.NewClient(reg)

	tests := []struct {
		name  string
		strip string
		add   string
		path  string
		want  string
	}{
		{"strip prefix", "/api", "", "/api/users/1", "/users/1"},
		{"add prefix", "", "/internal", "/users/1", "/internal/users/1"},
		{"strip then add", "/api", "/v2", "/api/users", "/v2/users"},
		{"strip whole path", "/api/users", "", "/api/users", "/"},
		{"trailing slash trimmed", "", "", "/users/", "/users"},
		{"missing prefix untouched", "/api", "", "/users/1", "/users/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, Options{
				Service:     "users",
				Discovery:   client,
				StripPrefix: tt.strip,
				AddPrefix:   tt.add,
			})
			resp, err := p.Forward(httptest.NewRequest("GET", "http://gw"+tt.path, nil))
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			resp.Body.Close()
			if seenPath != tt.want {
				t.Fatalf("upstream path = %q, want %q", seenPath, tt.want)
			}
		})
	}
}

func TestForwardRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("rate-limited request reached upstream")
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Limiter:   stubLimiter{allowed: false, after: 2 * time.Second},
	})

	_, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if got := kindOf(t, err); got != errors.KindRateLimited {
		t.Fatalf("kind = %v, want %v", got, errors.KindRateLimited)
	}
}

func TestForwardNoInstances(t *testing.T) {
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(memory.New()),
	})

	_, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if got := kindOf(t, err); got != errors.KindNoInstances {
		t.Fatalf("kind = %v, want %v", got, errors.KindNoInstances)
	}
}

func TestForwardRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(503)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Retry: retry.NewPolicy(&config.RetryConfig{
			MaxAttempts: 3,
			Backoff:     config.Duration(time.Millisecond),
		}),
	})

	resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("upstream hits = %d, want 3", n)
	}
}

func TestForwardRelaysFinal5xx(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "still down", 503)
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Retry: retry.NewPolicy(&config.RetryConfig{
			MaxAttempts: 2,
			Backoff:     config.Duration(time.Millisecond),
		}),
	})

	resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("upstream hits = %d, want 2", n)
	}
}

func TestForwardBreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Breakers:  circuitbreaker.NewRegistry(),
		Breaker:   &config.CircuitBreakerConfig{FailureThreshold: 2},
	})

	for i := 0; i < 2; i++ {
		resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
		if err != nil {
			t.Fatalf("Forward %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 500 {
			t.Fatalf("status = %d, want 500", resp.StatusCode)
		}
	}

	_, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if got := kindOf(t, err); got != errors.KindCircuitOpen {
		t.Fatalf("kind = %v, want %v", got, errors.KindCircuitOpen)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("upstream hits = %d, want 2 (open circuit must fail fast)", n)
	}
}

func TestForwardTimesOut(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Timeout:   30 * time.Millisecond,
	})

	_, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if got := kindOf(t, err); got != errors.KindUpstreamTimeout {
		t.Fatalf("kind = %v, want %v", got, errors.KindUpstreamTimeout)
	}
}

func TestForwardTransportError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	upstream.Close() // leaves a dead address registered

	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
	})

	_, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if got := kindOf(t, err); got != errors.KindUpstreamTransport {
		t.Fatalf("kind = %v, want %v", got, errors.KindUpstreamTransport)
	}
}

func TestForwardAppliesTransforms(t *testing.T) {
	var seenHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHeader = r.Header.Get("X-Gateway")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal", "secret")
		io.WriteString(w, `{"name":"ada"}`)
	}))
	defer upstream.Close()

	pipeline, err := transform.NewPipeline(&config.TransformConfig{
		Request: &config.RequestTransformConfig{
			Headers: &config.HeaderTransformConfig{Add: map[string]string{"X-Gateway": "apron"}},
		},
		Response: &config.ResponseTransformConfig{
			Headers: &config.HeaderTransformConfig{Remove: []string{"X-Internal"}},
			Body:    &config.BodyTransformConfig{Set: map[string]interface{}{"relayed": true}},
		},
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Transform: pipeline,
	})

	resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	if seenHeader != "apron" {
		t.Fatalf("upstream X-Gateway = %q, want %q", seenHeader, "apron")
	}
	if resp.Header.Get("X-Internal") != "" {
		t.Fatal("X-Internal survived the response transform")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"relayed":true`) {
		t.Fatalf("body = %s, want relayed flag", body)
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Fatalf("Content-Length = %q, body is %d bytes", cl, len(body))
	}
}

func TestForwardRecordsMetrics(t *testing.T) {
	var status atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer upstream.Close()

	reg := memory.New()
	register(t, reg, "users", upstream, nil)
	collector := metrics.NewCollector(time.Minute)
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
		Collector: collector,
	})

	status.Store(200)
	if resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil)); err != nil {
		t.Fatalf("Forward: %v", err)
	} else {
		resp.Body.Close()
	}

	status.Store(502)
	if resp, err := p.Forward(httptest.NewRequest("GET", "http://gw/users", nil)); err != nil {
		t.Fatalf("Forward: %v", err)
	} else {
		resp.Body.Close()
	}

	snap := p.Stats()
	if snap.TotalCalls != 2 || snap.SuccessCalls != 1 || snap.FailureCalls != 1 {
		t.Fatalf("snapshot = %+v, want 2 calls split 1/1", snap)
	}
	if snap.FailureReasons["HTTP_502"] != 1 {
		t.Fatalf("failure reasons = %v, want HTTP_502", snap.FailureReasons)
	}
}

func TestForwardToVersionPinsInstances(t *testing.T) {
	var v1Hits, v2Hits atomic.Int64
	v1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v1Hits.Add(1)
	}))
	defer v1.Close()
	v2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v2Hits.Add(1)
	}))
	defer v2.Close()

	reg := memory.New()
	register(t, reg, "users", v1, map[string]string{discovery.MetaVersion: "v1"})
	register(t, reg, "users", v2, map[string]string{discovery.MetaVersion: "v2"})
	p := newTestProxy(t, Options{
		Service:   "users",
		Discovery: discovery.NewClient(reg),
	})

	for i := 0; i < 4; i++ {
		resp, err := p.ForwardToVersion(httptest.NewRequest("GET", "http://gw/users", nil), "v2")
		if err != nil {
			t.Fatalf("ForwardToVersion %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if n := v1Hits.Load(); n != 0 {
		t.Fatalf("v1 hits = %d, want 0", n)
	}
	if n := v2Hits.Load(); n != 4 {
		t.Fatalf("v2 hits = %d, want 4", n)
	}
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		name  string
		strip string
		add   string
		in    string
		want  string
	}{
		{"plain", "", "", "/users", "/users"},
		{"root stays root", "", "", "/", "/"},
		{"strip to empty becomes root", "/api", "", "/api", "/"},
		{"add needs joining slash", "", "/v2/", "/users", "/v2/users"},
		{"both slashes collapse", "", "/v2/", "users", "/v2/users"},
		{"trailing trimmed", "", "", "/users/", "/users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Proxy{stripPrefix: tt.strip, addPrefix: tt.add}
			if got := p.rewritePath(tt.in); got != tt.want {
				t.Fatalf("rewritePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{Discovery: discovery.NewClient(memory.New())}); err == nil {
		t.Fatal("New accepted empty service")
	}
	if _, err := New(Options{Service: "users"}); err == nil {
		t.Fatal("New accepted nil discovery")
	}
}
