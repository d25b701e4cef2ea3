// Package transform applies per-route request and response mutations:
// header add/set/remove, JSON body edits by path, and an optional
// JMESPath projection of response bodies. Transforms are compiled once
// at route build time and are safe for concurrent use.
package transform

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/wudi/apron/internal/config"
)

// Pipeline is a route's compiled transform set.
type Pipeline struct {
	reqHeaders  *Headers
	reqBody     *Body
	respHeaders *Headers
	respBody    *Body
	projection  *Projection
}

// NewPipeline compiles the route's transform configuration. A nil or
// empty configuration yields a nil pipeline; all Pipeline methods are
// nil-safe no-ops.
func NewPipeline(cfg *config.TransformConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, nil
	}

	p := &Pipeline{}
	if cfg.Request != nil {
		p.reqHeaders = NewHeaders(cfg.Request.Headers)
		p.reqBody = NewBody(cfg.Request.Body)
	}
	if cfg.Response != nil {
		p.respHeaders = NewHeaders(cfg.Response.Headers)
		p.respBody = NewBody(cfg.Response.Body)
		if cfg.Response.JMESPath != "" {
			proj, err := NewProjection(cfg.Response.JMESPath)
			if err != nil {
				return nil, err
			}
			p.projection = proj
		}
	}

	if p.reqHeaders == nil && p.reqBody == nil &&
		p.respHeaders == nil && p.respBody == nil && p.projection == nil {
		return nil, nil
	}
	return p, nil
}

// ApplyRequest mutates the outgoing request in place. JSON bodies are
// rewritten and the content length fixed up; other bodies pass through.
func (p *Pipeline) ApplyRequest(r *http.Request) {
	if p == nil {
		return
	}
	p.reqHeaders.Apply(r.Header)

	if p.reqBody == nil || r.Body == nil || !isJSON(r.Header.Get("Content-Type")) {
		return
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = http.NoBody
		return
	}

	body = p.reqBody.Apply(body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
}

// ApplyResponseHeaders mutates the response headers in place.
func (p *Pipeline) ApplyResponseHeaders(h http.Header) {
	if p == nil {
		return
	}
	p.respHeaders.Apply(h)
}

// ApplyResponseBody rewrites a buffered response body: path edits
// first, then the JMESPath projection. Non-JSON content passes
// through untouched.
func (p *Pipeline) ApplyResponseBody(contentType string, body []byte) []byte {
	if p == nil || !isJSON(contentType) {
		return body
	}
	body = p.respBody.Apply(body)
	body = p.projection.Apply(body)
	return body
}

// MutatesResponseBody reports whether the caller must buffer the
// response body for ApplyResponseBody.
func (p *Pipeline) MutatesResponseBody() bool {
	return p != nil && (p.respBody != nil || p.projection != nil)
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "json")
}
