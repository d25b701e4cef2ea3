// Package version resolves which service version a request should reach,
// either explicitly (header, URI segment, query parameter) or by
// weighted sampling over the configured version table.
package version

import (
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/discovery"
)

// Strategy names how a version was resolved.
type Strategy string

const (
	StrategyHeader   Strategy = "header"
	StrategyURI      Strategy = "uri"
	StrategyQuery    Strategy = "query"
	StrategyWeighted Strategy = "weighted"
)

const (
	DefaultHeader     = "X-API-Version"
	DefaultQueryParam = "version"
)

// uriVersion matches a leading version path segment such as /v2/users.
var uriVersion = regexp.MustCompile(`^/v(\d+)(/|$)`)

// Resolution is the outcome of resolving one request. A zero Resolution
// means no version applies and the route's plain forward path is used.
type Resolution struct {
	Version  string
	Strategy Strategy
}

// Entry is one version target from the route table.
type Entry struct {
	Version       string
	Weight        int
	AllowExplicit bool
	Filter        *discovery.Filter
}

type versionState struct {
	Entry
	requests atomic.Int64
}

// Router resolves versions for one route. Explicit strategies run in
// priority order; when none yields a usable version the router samples
// the weighted table, skipping opt-in-only entries.
type Router struct {
	strategies []Strategy
	header     string
	queryParam string

	entries map[string]*versionState
	sampled []*versionState // weight > 0, not opt-in-only, sorted by version
	total   int

	randInt    func(int) int
	unresolved atomic.Int64
}

// NewRouter builds a router from route config.
func NewRouter(cfg *config.VersionRouteConfig) (*Router, error) {
	if cfg == nil || len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("version: route table is empty")
	}

	r := &Router{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		entries:    make(map[string]*versionState, len(cfg.Routes)),
		randInt:    rand.Intn,
	}
	if r.header == "" {
		r.header = DefaultHeader
	}
	if r.queryParam == "" {
		r.queryParam = DefaultQueryParam
	}

	names := cfg.Strategies
	if len(names) == 0 && cfg.Strategy != "" {
		names = []string{cfg.Strategy}
	}
	if len(names) == 0 {
		names = []string{"header", "uri", "query"}
	}
	for _, name := range names {
		s := Strategy(name)
		switch s {
		case StrategyHeader, StrategyURI, StrategyQuery:
			r.strategies = append(r.strategies, s)
		default:
			return nil, fmt.Errorf("version: unknown strategy %q", name)
		}
	}

	for ver, e := range cfg.Routes {
		if e.Weight < 0 {
			return nil, fmt.Errorf("version: %s has negative weight %d", ver, e.Weight)
		}
		st := &versionState{Entry: Entry{
			Version:       ver,
			Weight:        e.Weight,
			AllowExplicit: e.AllowExplicit,
			Filter:        discovery.FilterFromConfig(e.Filter),
		}}
		r.entries[ver] = st
		if e.Weight > 0 && !e.AllowExplicit {
			r.sampled = append(r.sampled, st)
			r.total += e.Weight
		}
	}
	sort.Slice(r.sampled, func(i, j int) bool {
		return r.sampled[i].Version < r.sampled[j].Version
	})

	return r, nil
}

// Resolve picks a version for the request. Explicit strategies win in
// priority order; a strategy only counts when it names an entry that is
// reachable (weight above zero, or opted in via allowExplicit). With no
// explicit match the weighted table decides, and an empty table yields
// a zero Resolution.
func (r *Router) Resolve(req *http.Request) Resolution {
	for _, s := range r.strategies {
		ver := r.extract(s, req)
		if ver == "" {
			continue
		}
		e, ok := r.entries[ver]
		if !ok {
			continue
		}
		if e.Weight > 0 || e.AllowExplicit {
			e.requests.Add(1)
			return Resolution{Version: ver, Strategy: s}
		}
	}

	if r.total > 0 {
		n := r.randInt(r.total)
		for _, e := range r.sampled {
			n -= e.Weight
			if n < 0 {
				e.requests.Add(1)
				return Resolution{Version: e.Version, Strategy: StrategyWeighted}
			}
		}
	}

	r.unresolved.Add(1)
	return Resolution{}
}

func (r *Router) extract(s Strategy, req *http.Request) string {
	switch s {
	case StrategyHeader:
		return req.Header.Get(r.header)
	case StrategyURI:
		if m := uriVersion.FindStringSubmatch(req.URL.Path); m != nil {
			return "v" + m[1]
		}
	case StrategyQuery:
		return req.URL.Query().Get(r.queryParam)
	}
	return ""
}

// Entry returns the table entry for a version.
func (r *Router) Entry(version string) (Entry, bool) {
	e, ok := r.entries[version]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Stats is the admin view of one version.
type Stats struct {
	Weight        int   `json:"weight"`
	AllowExplicit bool  `json:"allowExplicit,omitempty"`
	Requests      int64 `json:"requests"`
}

// Snapshot reports per-version request counts plus how many requests
// resolved to no version at all.
func (r *Router) Snapshot() map[string]Stats {
	out := make(map[string]Stats, len(r.entries)+1)
	for ver, e := range r.entries {
		out[ver] = Stats{
			Weight:        e.Weight,
			AllowExplicit: e.AllowExplicit,
			Requests:      e.requests.Load(),
		}
	}
	return out
}

// Unresolved reports how many requests fell through to the plain
// forward path.
func (r *Router) Unresolved() int64 { return r.unresolved.Load() }
