// Package mirror shadows a sampled fraction of a route's traffic to a
// second service. Shadow responses are discarded (or compared against
// the primary); shadow failures never reach the caller.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
	"github.com/wudi/apron/internal/errors"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/metrics"
)

// DefaultTimeout bounds each shadow request. It is independent of the
// primary request's deadline.
const DefaultTimeout = 5 * time.Second

// Mirror sends shadow copies of requests to a mirror service resolved
// through discovery. Shadows run on their own context so caller
// cancellation never cuts them short.
type Mirror struct {
	route       string
	service     string
	percentage  float64
	wait        bool
	compare     bool
	logMismatch bool
	timeout     time.Duration

	conditions *Conditions
	discovery  *discovery.Client
	client     *http.Client

	randFloat func() float64

	mirrored   atomic.Int64
	failed     atomic.Int64
	compared   atomic.Int64
	mismatches *MismatchLog
	window     *metrics.Collector
}

// New builds a Mirror for one route. An unset percentage mirrors
// everything; an unset timeout uses DefaultTimeout.
func New(route string, cfg *config.MirrorConfig, disc *discovery.Client) (*Mirror, error) {
	if cfg == nil || cfg.Service == "" {
		return nil, fmt.Errorf("mirror for route %q needs a service", route)
	}
	if disc == nil {
		return nil, fmt.Errorf("mirror for route %q needs a discovery client", route)
	}

	m := &Mirror{
		route:      route,
		service:    cfg.Service,
		percentage: cfg.Percentage,
		wait:       cfg.WaitForResponse,
		timeout:    cfg.Timeout.Std(),
		discovery:  disc,
		randFloat:  rand.Float64,
		mismatches: NewMismatchLog(0),
		window:     metrics.NewCollector(0),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}

	if m.percentage <= 0 {
		m.percentage = 100
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if cfg.Compare != nil {
		m.compare = cfg.Compare.Enabled
		m.logMismatch = cfg.Compare.LogMismatches
	}

	if cfg.Conditions != nil {
		conds, err := NewConditions(cfg.Conditions)
		if err != nil {
			return nil, err
		}
		if !conds.IsEmpty() {
			m.conditions = conds
		}
	}

	return m, nil
}

// Service returns the shadow target service name.
func (m *Mirror) Service() string {
	return m.service
}

// CompareEnabled reports whether shadow responses are compared against
// the primary. The caller must then capture the primary through a
// Recorder and pass the result to Send.
func (m *Mirror) CompareEnabled() bool {
	return m.compare
}

// ShouldMirror decides whether this request gets a shadow: conditions
// first, then a uniform sample at the configured percentage.
func (m *Mirror) ShouldMirror(r *http.Request) bool {
	if !m.conditions.Match(r) {
		return false
	}
	if m.percentage >= 100 {
		return true
	}
	return m.randFloat()*100 < m.percentage
}

// BufferRequestBody drains the request body and puts a replayable copy
// back, so the primary forward and the shadow each get their own.
func BufferRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// shadowRequest is the part of the original request a shadow needs,
// snapshotted before the handler returns.
type shadowRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

// Send dispatches one shadow of r. With waitForResponse unset the
// shadow runs on its own goroutine and Send returns immediately. The
// primary pass through to the caller is never affected either way.
func (m *Mirror) Send(r *http.Request, body []byte, primary *PrimaryResponse) {
	s := shadowRequest{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		header: r.Header.Clone(),
		body:   body,
	}
	if m.wait {
		m.send(s, primary)
		return
	}
	go m.send(s, primary)
}

func (m *Mirror) send(s shadowRequest, primary *PrimaryResponse) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	in, err := m.discovery.GetInstance(ctx, m.service, discovery.RoundRobin, nil, "")
	if err != nil {
		m.fail(start, err)
		return
	}

	u := url.URL{
		Scheme:   in.Protocol,
		Host:     in.Addr(),
		Path:     s.path,
		RawQuery: s.query,
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, u.String(), body)
	if err != nil {
		m.fail(start, errors.Wrap(err, errors.KindInternal, "build shadow request"))
		return
	}

	copyShadowHeaders(req.Header, s.header)
	req.Header.Set("X-Mirror", "true")
	req.Header.Set("X-Mirror-Source", "gateway")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.UpstreamTimeout(m.service)
		} else {
			err = errors.UpstreamTransport(m.service, err)
		}
		m.fail(start, err)
		return
	}
	defer resp.Body.Close()

	if m.compare && primary != nil {
		res := CompareShadow(primary, resp)
		m.compared.Add(1)
		if !res.StatusMatch || !res.BodyMatch {
			m.mismatches.Add(Mismatch{
				Time:          time.Now(),
				Method:        s.method,
				Path:          s.path,
				PrimaryStatus: primary.StatusCode,
				ShadowStatus:  resp.StatusCode,
				StatusMatch:   res.StatusMatch,
				BodyMatch:     res.BodyMatch,
			})
			if m.logMismatch {
				logging.Warn("mirror mismatch",
					zap.String("route", m.route),
					zap.String("path", s.path),
					zap.Bool("statusMatch", res.StatusMatch),
					zap.Bool("bodyMatch", res.BodyMatch),
					zap.Int("primaryStatus", primary.StatusCode),
					zap.Int("shadowStatus", resp.StatusCode),
				)
			}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	m.mirrored.Add(1)
	m.window.RecordSuccess(time.Since(start))
}

// fail counts a shadow that never completed. The error goes to the
// debug log and nowhere else.
func (m *Mirror) fail(start time.Time, err error) {
	m.mirrored.Add(1)
	m.failed.Add(1)
	m.window.RecordFailure(time.Since(start), string(errors.KindOf(err)))
	logging.Debug("mirror send failed",
		zap.String("route", m.route),
		zap.String("service", m.service),
		zap.Error(err),
	)
}

// shadowSkipHeaders are per-connection headers that must not carry over
// to the shadow request.
var shadowSkipHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailer":           true,
	"Expect":            true,
	"Content-Length":    true,
	"Host":              true,
}

func copyShadowHeaders(dst, src http.Header) {
	for k, vv := range src {
		if shadowSkipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// Snapshot is a point-in-time summary of one route's mirroring.
type Snapshot struct {
	Service          string           `json:"service"`
	Mirrored         int64            `json:"mirrored"`
	Errors           int64            `json:"errors"`
	Compared         int64            `json:"compared"`
	Mismatches       int64            `json:"mismatches"`
	RecentMismatches []Mismatch       `json:"recentMismatches,omitempty"`
	Window           metrics.Snapshot `json:"window"`
}

// Stats reports lifetime counters plus windowed latency of recent
// shadows.
func (m *Mirror) Stats() Snapshot {
	return Snapshot{
		Service:          m.service,
		Mirrored:         m.mirrored.Load(),
		Errors:           m.failed.Load(),
		Compared:         m.compared.Load(),
		Mismatches:       m.mismatches.Total(),
		RecentMismatches: m.mismatches.Recent(),
		Window:           m.window.GetSnapshot(),
	}
}
