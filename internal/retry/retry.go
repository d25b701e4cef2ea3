// Package retry re-attempts upstream calls that fail transiently.
package retry

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = 100 * time.Millisecond
)

// Policy retries a call up to maxAttempts times with exponential
// backoff. A failure is retryable when it is a transport error, a
// timeout, or a 5xx response; everything else surfaces immediately.
type Policy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
	jitter      bool
	methods     map[string]bool // empty = every method
	budget      *Budget         // nil = unlimited

	// Metrics are cheap atomics read by the admin stats endpoint.
	calls     atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// NewPolicy builds a policy from config. A nil config yields the
// package defaults (3 attempts, 100ms base, 10x cap, no jitter).
func NewPolicy(cfg *config.RetryConfig) *Policy {
	p := &Policy{
		maxAttempts: DefaultMaxAttempts,
		base:        DefaultBase,
	}
	if cfg != nil {
		if cfg.MaxAttempts > 0 {
			p.maxAttempts = cfg.MaxAttempts
		}
		if cfg.Backoff > 0 {
			p.base = cfg.Backoff.Std()
		}
		if cfg.MaxBackoff > 0 {
			p.max = cfg.MaxBackoff.Std()
		}
		p.jitter = cfg.Jitter
		if len(cfg.Methods) > 0 {
			p.methods = make(map[string]bool, len(cfg.Methods))
			for _, m := range cfg.Methods {
				p.methods[m] = true
			}
		}
		if cfg.BudgetRatio > 0 {
			p.budget = NewBudget(cfg.BudgetRatio, 1, 10*time.Second)
		}
	}
	if p.max == 0 {
		p.max = 10 * p.base
	}
	return p
}

// AllowsMethod reports whether the policy retries the given method.
func (p *Policy) AllowsMethod(method string) bool {
	if len(p.methods) == 0 {
		return true
	}
	return p.methods[method]
}

// schedule builds the per-call backoff sequence: base * 2^(n-1),
// capped, optionally randomized. The backoff object is stateful so
// each Do call gets a fresh one.
func (p *Policy) schedule() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.base
	bo.MaxInterval = p.max
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	if p.jitter {
		bo.RandomizationFactor = 0.5
	}
	bo.Reset()
	return bo
}

// Do invokes call until it yields a non-retryable outcome or attempts
// run out. A retryable 5xx response has its body drained and closed
// before the next attempt; the final response is returned as-is so the
// caller can relay what the upstream last said. Context cancellation
// stops the sequence between attempts, and an exhausted budget ends it
// early with the last outcome.
func (p *Policy) Do(ctx context.Context, method string, call func(context.Context) (*http.Response, error)) (*http.Response, error) {
	p.calls.Add(1)
	if p.budget != nil {
		p.budget.RecordRequest()
	}

	attempts := p.maxAttempts
	if attempts < 1 || !p.AllowsMethod(method) {
		attempts = 1
	}

	bo := p.schedule()
	var lastResp *http.Response
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			p.retries.Add(1)
			if p.budget != nil {
				p.budget.RecordRetry()
			}
			select {
			case <-ctx.Done():
				p.exhausted.Add(1)
				return nil, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		resp, err := call(ctx)
		if err != nil {
			if !Retryable(err) {
				return nil, err
			}
			lastErr = err
			lastResp = nil
			if !p.mayRetry(attempt, attempts) {
				break
			}
			continue
		}

		if !RetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// Retryable 5xx. Keep it when no further attempt will run.
		if !p.mayRetry(attempt, attempts) {
			lastResp = resp
			lastErr = nil
			break
		}
		drain(resp)
	}

	p.exhausted.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// mayRetry reports whether another attempt is both available and
// affordable.
func (p *Policy) mayRetry(attempt, attempts int) bool {
	if attempt >= attempts {
		return false
	}
	return p.budget == nil || p.budget.AllowRetry()
}

// Snapshot is a point-in-time copy of the policy counters.
type Snapshot struct {
	Calls     int64 `json:"calls"`
	Retries   int64 `json:"retries"`
	Exhausted int64 `json:"exhausted"`
}

// Stats returns the policy counters.
func (p *Policy) Stats() Snapshot {
	return Snapshot{
		Calls:     p.calls.Load(),
		Retries:   p.retries.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Retryable classifies an error as transient. Transport errors,
// timeouts, and upstream failures qualify; caller cancellation and
// gateway-side rejections do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if ae, ok := errors.FromError(err); ok {
		switch ae.Kind {
		case errors.KindUpstreamTimeout, errors.KindUpstreamTransport:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return stderrors.Is(err, io.ErrUnexpectedEOF)
}

// RetryableStatus reports whether a response status marks a transient
// upstream failure.
func RetryableStatus(code int) bool {
	return code >= 500
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
