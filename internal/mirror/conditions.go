package mirror

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/apron/internal/config"
)

// Conditions restricts mirroring to requests that pass every configured
// check. All checks AND together.
type Conditions struct {
	methods  map[string]bool
	headers  map[string]string
	pathGlob string
}

// NewConditions compiles mirror conditions, validating the path glob up
// front so a bad pattern fails at config time rather than per request.
func NewConditions(cfg *config.MirrorConditions) (*Conditions, error) {
	c := &Conditions{}

	if len(cfg.Methods) > 0 {
		c.methods = make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			c.methods[strings.ToUpper(m)] = true
		}
	}

	if len(cfg.Headers) > 0 {
		c.headers = cfg.Headers
	}

	if cfg.PathGlob != "" {
		if !doublestar.ValidatePattern(cfg.PathGlob) {
			return nil, fmt.Errorf("mirror pathGlob %q is not a valid pattern", cfg.PathGlob)
		}
		c.pathGlob = cfg.PathGlob
	}

	return c, nil
}

// IsEmpty reports whether no conditions are configured.
func (c *Conditions) IsEmpty() bool {
	return c == nil || (len(c.methods) == 0 && len(c.headers) == 0 && c.pathGlob == "")
}

// Match reports whether the request passes all configured conditions.
// A nil receiver matches everything. Header values compare
// case-insensitively.
func (c *Conditions) Match(r *http.Request) bool {
	if c == nil {
		return true
	}

	if len(c.methods) > 0 && !c.methods[r.Method] {
		return false
	}

	for key, val := range c.headers {
		if !strings.EqualFold(r.Header.Get(key), val) {
			return false
		}
	}

	if c.pathGlob != "" {
		if ok, _ := doublestar.PathMatch(c.pathGlob, r.URL.Path); !ok {
			return false
		}
	}

	return true
}
