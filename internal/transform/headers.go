package transform

import (
	"net/http"

	"github.com/wudi/apron/internal/config"
)

// Headers holds a compiled header mutation: add appends, set
// overwrites, remove deletes. Removals run last so a name listed in
// both set and remove ends up absent.
type Headers struct {
	add    map[string]string
	set    map[string]string
	remove []string
}

// NewHeaders compiles a header transform. Empty configurations yield
// nil; Apply on a nil Headers is a no-op.
func NewHeaders(cfg *config.HeaderTransformConfig) *Headers {
	if cfg == nil || (len(cfg.Add) == 0 && len(cfg.Set) == 0 && len(cfg.Remove) == 0) {
		return nil
	}
	return &Headers{add: cfg.Add, set: cfg.Set, remove: cfg.Remove}
}

// Apply mutates h in place.
func (t *Headers) Apply(h http.Header) {
	if t == nil {
		return
	}
	for name, value := range t.add {
		h.Add(name, value)
	}
	for name, value := range t.set {
		h.Set(name, value)
	}
	for _, name := range t.remove {
		h.Del(name)
	}
}
