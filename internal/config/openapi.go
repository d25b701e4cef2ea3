package config

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// pathParamRegex rewrites OpenAPI {param} segments into :param.
var pathParamRegex = regexp.MustCompile(`\{([^}]+)\}`)

// expandOpenAPIRoutes appends routes generated from the configured OpenAPI
// document. Generated routes inherit the openapi section's service and
// prefix settings; explicitly configured routes always win on conflicts
// because they are validated for duplicates afterwards.
func expandOpenAPIRoutes(cfg *Config) error {
	oc := cfg.Gateway.OpenAPI
	if oc.Spec == "" {
		return nil
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(oc.Spec)
	if err != nil {
		return fmt.Errorf("openapi: load spec %s: %w", oc.Spec, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return fmt.Errorf("openapi: invalid spec %s: %w", oc.Spec, err)
	}

	pathMap := doc.Paths.Map()
	specPaths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		specPaths = append(specPaths, p)
	}
	sort.Strings(specPaths)

	for _, specPath := range specPaths {
		item := pathMap[specPath]

		methods := make([]string, 0, len(item.Operations()))
		for method := range item.Operations() {
			methods = append(methods, method)
		}
		if len(methods) == 0 {
			continue
		}
		sort.Strings(methods)

		gwPath := pathParamRegex.ReplaceAllString(specPath, ":$1")
		cfg.Gateway.Routes = append(cfg.Gateway.Routes, RouteConfig{
			Path:        gwPath,
			Methods:     methods,
			ServiceName: oc.ServiceName,
			StripPrefix: oc.StripPrefix,
			AddPrefix:   oc.AddPrefix,
		})
	}

	return nil
}
