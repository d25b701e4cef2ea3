// Package circuitbreaker keys shared circuit breakers by name so every
// proxy pointed at the same service trips and recovers together.
package circuitbreaker

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/events"
	"github.com/wudi/apron/internal/logging"
)

// Breaker guards upstream calls for one service. Execute passes the
// call through while closed, fails fast while open, and admits a
// bounded number of probes while half-open.
type Breaker = gobreaker.CircuitBreaker[*http.Response]

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Registry hands out breakers by name. The conventional name is
// "gateway:<service>" so routes targeting the same service share state.
// The first Get for a name fixes its settings; later calls reuse the
// existing breaker regardless of config.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	sink     events.Sink
	onState  func(name string, state gobreaker.State)
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink publishes circuit state transitions as gateway events.
func WithSink(sink events.Sink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithStateHook installs a callback invoked after each transition's
// event is published. Feeds the state gauge.
func WithStateHook(fn func(name string, state gobreaker.State)) Option {
	return func(r *Registry) { r.onState = fn }
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		sink:     events.NopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker registered under name, creating it from cfg
// when absent. A nil cfg applies the package defaults.
func (r *Registry) Get(name string, cfg *config.CircuitBreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if br, ok := r.breakers[name]; ok {
		return br
	}

	threshold := DefaultFailureThreshold
	cooldown := DefaultCooldown
	probes := DefaultHalfOpenMaxCalls
	if cfg != nil {
		if cfg.FailureThreshold > 0 {
			threshold = cfg.FailureThreshold
		}
		if cfg.Cooldown > 0 {
			cooldown = cfg.Cooldown.Std()
		}
		if cfg.HalfOpenMaxCalls > 0 {
			probes = cfg.HalfOpenMaxCalls
		}
	}

	br := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(probes),
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: r.stateChanged,
	})
	r.breakers[name] = br
	return br
}

// Lookup returns the breaker registered under name, or nil.
func (r *Registry) Lookup(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// States reports every registered breaker's current state, keyed by
// breaker name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, br := range r.breakers {
		out[name] = br.State().String()
	}
	return out
}

func (r *Registry) stateChanged(name string, from, to gobreaker.State) {
	logging.Warn("circuit state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	var kind events.Kind
	switch to {
	case gobreaker.StateOpen:
		kind = events.CircuitOpen
	case gobreaker.StateHalfOpen:
		kind = events.CircuitHalfOpen
	default:
		kind = events.CircuitClose
	}
	r.sink.Publish(events.New(kind, "", ServiceFromName(name), map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	}))

	if r.onState != nil {
		r.onState(name, to)
	}
}

// Name builds the conventional breaker name for a service.
func Name(service string) string { return "gateway:" + service }

// ServiceFromName strips the conventional prefix, returning the input
// unchanged when it carries none.
func ServiceFromName(name string) string {
	return strings.TrimPrefix(name, "gateway:")
}

// IsOpen reports whether err came from the breaker refusing the call,
// either fully open or half-open with its probe quota spent.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// StateValue maps a breaker state onto the gauge scale
// (0=closed, 1=half-open, 2=open).
func StateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
