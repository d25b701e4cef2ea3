package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// envPattern matches ${VAR} references in raw config text.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Loader loads and validates gateway configuration files.
type Loader struct{}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads, parses, and validates the configuration file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses and validates raw YAML configuration. Environment
// references of the form ${VAR} are expanded before unmarshaling;
// unset variables expand to the empty string.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := expandOpenAPIRoutes(cfg); err != nil {
		return nil, err
	}

	normalize(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// normalize fills derived and defaulted route fields after unmarshaling.
func normalize(cfg *Config) {
	gw := &cfg.Gateway

	seen := make(map[string]int, len(gw.Routes))
	for i := range gw.Routes {
		r := &gw.Routes[i]

		if r.ID == "" {
			r.ID = routeIDFromPath(r.Path)
		}
		if n := seen[r.ID]; n > 0 {
			seen[r.ID] = n + 1
			r.ID = fmt.Sprintf("%s-%d", r.ID, n+1)
		} else {
			seen[r.ID] = 1
		}

		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(m)
		}

		if r.Filter != nil && r.Filter.Status == "" {
			r.Filter.Status = "UP"
		}

		if vr := r.VersionRoute; vr != nil {
			if len(vr.Strategies) == 0 {
				if vr.Strategy != "" {
					vr.Strategies = []string{vr.Strategy}
				} else {
					vr.Strategies = []string{"header"}
				}
			}
			if vr.Header == "" {
				vr.Header = "X-API-Version"
			}
			if vr.QueryParam == "" {
				vr.QueryParam = "version"
			}
		}

		if c := r.Canary; c != nil {
			p := &c.Promotion
			if p.Strategy == "" {
				p.Strategy = "error-rate"
			}
			if p.MinRequests == 0 {
				p.MinRequests = 10
			}
			if p.EvaluationWindow == 0 {
				p.EvaluationWindow = gw.Metrics.WindowSize
			}
			if p.StepInterval == 0 {
				p.StepInterval = p.EvaluationWindow
			}
		}

		if tp := r.TrafficPolicy; tp != nil {
			if m := tp.Mirror; m != nil && m.Timeout == 0 {
				m.Timeout = Duration(5 * time.Second)
			}
		}

		if rl := r.RateLimit; rl != nil {
			if rl.Strategy == "" {
				rl.Strategy = "sliding-window"
			}
			if rl.Window == 0 {
				rl.Window = Duration(60 * time.Second)
			}
		}
	}
}

// routeIDFromPath derives a stable route identifier from a path pattern,
// e.g. "/api/users/**" becomes "api-users".
func routeIDFromPath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		s = strings.TrimPrefix(s, ":")
		s = strings.ReplaceAll(s, "*", "")
		if s != "" {
			parts = append(parts, strings.ToLower(s))
		}
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, "-")
}
