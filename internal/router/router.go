package router

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/apron/internal/config"
)

const defaultCacheSize = 1024

// Route pairs a compiled pattern with its configuration. Routes are
// immutable after construction; hot reload builds a new Router.
type Route struct {
	ID      string
	Pattern *Pattern
	Methods map[string]bool // nil = all methods
	Config  config.RouteConfig
}

// AllowsMethod reports whether the route accepts the method.
func (r *Route) AllowsMethod(method string) bool {
	return r.Methods == nil || r.Methods[method]
}

// Match is the result of a successful route lookup.
type Match struct {
	Route     *Route
	Params    map[string]string
	Remainder string
}

type cacheEntry struct {
	route     *Route
	params    map[string]string
	remainder string
}

// Router holds the specificity-sorted route table. Lookups are cached by
// normalized path in an LRU; the table itself is immutable, so Match is
// safe for concurrent callers.
type Router struct {
	routes []*Route
	cache  *lru.Cache[string, *cacheEntry]
}

// New compiles and sorts the route table.
func New(configs []config.RouteConfig) (*Router, error) {
	routes := make([]*Route, 0, len(configs))
	for i := range configs {
		rc := configs[i]
		p, err := Compile(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.ID, err)
		}
		var methods map[string]bool
		if len(rc.Methods) > 0 {
			methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				methods[m] = true
			}
		}
		routes = append(routes, &Route{
			ID:      rc.ID,
			Pattern: p,
			Methods: methods,
			Config:  rc,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return moreSpecific(routes[i].Pattern, routes[j].Pattern)
	})

	cache, err := lru.New[string, *cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, err
	}

	return &Router{routes: routes, cache: cache}, nil
}

// Match finds the most specific route whose pattern matches the path.
// The path is normalized first. Method checking is the caller's concern:
// a match on a route that rejects the method must surface as 405, not
// fall through to a less specific route.
func (rt *Router) Match(path string) (*Match, bool) {
	np := NormalizePath(path)

	if entry, ok := rt.cache.Get(np); ok {
		if entry.route == nil {
			return nil, false
		}
		return &Match{
			Route:     entry.route,
			Params:    copyParams(entry.params),
			Remainder: entry.remainder,
		}, true
	}

	for _, route := range rt.routes {
		res, ok := route.Pattern.Match(np)
		if !ok {
			continue
		}
		rt.cache.Add(np, &cacheEntry{
			route:     route,
			params:    res.Params,
			remainder: res.Remainder,
		})
		return &Match{
			Route:     route,
			Params:    copyParams(res.Params),
			Remainder: res.Remainder,
		}, true
	}

	// Negative entries keep repeated unknown paths cheap.
	rt.cache.Add(np, &cacheEntry{})
	return nil, false
}

// Routes returns the table in specificity order.
func (rt *Router) Routes() []*Route {
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// Lookup returns a route by ID.
func (rt *Router) Lookup(id string) (*Route, bool) {
	for _, r := range rt.routes {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func copyParams(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
