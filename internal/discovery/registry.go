package discovery

import (
	"context"
	"errors"

	"github.com/wudi/apron/internal/config"
)

// Registry is the discovery backend contract. Discover returns every
// known instance of a service regardless of status; callers filter.
// Watch delivers the current list first, then the full list on every
// membership change, and closes its channel when the subscription
// context ends.
type Registry interface {
	Register(ctx context.Context, in *Instance) error
	Deregister(ctx context.Context, id string) error
	Discover(ctx context.Context, service string) ([]*Instance, error)
	Watch(ctx context.Context, service string) (<-chan []*Instance, error)
	Close() error
}

var (
	// ErrServiceNotFound is returned when a service has no registration.
	ErrServiceNotFound = errors.New("service not found")
	// ErrRegistryUnavailable is returned when the backend cannot be reached.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

// Filter restricts discovery results. A nil Filter means healthy
// instances only.
type Filter struct {
	Status   Status            // empty = UP
	Metadata map[string]string // every pair must match the instance metadata
}

// Matches reports whether the instance satisfies the filter. Nil
// filters match instances with status UP.
func (f *Filter) Matches(in *Instance) bool {
	want := StatusUp
	if f != nil && f.Status != "" {
		want = f.Status
	}
	if in.Status != want {
		return false
	}
	if f != nil {
		for k, v := range f.Metadata {
			if in.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}

// FilterFromConfig builds a Filter from route config. A nil config
// yields the default healthy-only filter.
func FilterFromConfig(cfg *config.FilterConfig) *Filter {
	if cfg == nil {
		return nil
	}
	f := &Filter{Status: Status(cfg.Status)}
	if len(cfg.Metadata) > 0 {
		f.Metadata = make(map[string]string, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			f.Metadata[k] = v
		}
	}
	return f
}

// WithVersion returns a copy of the filter additionally requiring the
// given version tag. The receiver is not modified.
func (f *Filter) WithVersion(version string) *Filter {
	out := &Filter{}
	if f != nil {
		out.Status = f.Status
		if len(f.Metadata) > 0 {
			out.Metadata = make(map[string]string, len(f.Metadata)+1)
			for k, v := range f.Metadata {
				out.Metadata[k] = v
			}
		}
	}
	if version != "" {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, 1)
		}
		out.Metadata[MetaVersion] = version
	}
	return out
}

// Select returns the instances matching the filter.
func Select(instances []*Instance, f *Filter) []*Instance {
	out := make([]*Instance, 0, len(instances))
	for _, in := range instances {
		if f.Matches(in) {
			out = append(out, in)
		}
	}
	return out
}
