package transform

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/apron/internal/config"
)

// Body holds compiled JSON body edits. Paths use gjson syntax, so
// nested fields ("user.name") and array elements ("items.0") work.
// Order: set, then remove, then rename.
type Body struct {
	set    map[string]interface{}
	remove []string
	rename map[string]string
}

// NewBody compiles a body transform. Empty configurations yield nil;
// Apply on a nil Body returns its input.
func NewBody(cfg *config.BodyTransformConfig) *Body {
	if cfg == nil || (len(cfg.Set) == 0 && len(cfg.Remove) == 0 && len(cfg.Rename) == 0) {
		return nil
	}
	return &Body{set: cfg.Set, remove: cfg.Remove, rename: cfg.Rename}
}

// Apply rewrites the payload. Invalid JSON passes through untouched,
// as does any individual edit that fails.
func (b *Body) Apply(body []byte) []byte {
	if b == nil || len(body) == 0 || !gjson.ValidBytes(body) {
		return body
	}

	for path, value := range b.set {
		if next, err := sjson.SetBytes(body, path, value); err == nil {
			body = next
		}
	}

	for _, path := range b.remove {
		if next, err := sjson.DeleteBytes(body, path); err == nil {
			body = next
		}
	}

	for oldPath, newPath := range b.rename {
		result := gjson.GetBytes(body, oldPath)
		if !result.Exists() {
			continue
		}
		next, err := sjson.SetRawBytes(body, newPath, []byte(result.Raw))
		if err != nil {
			continue
		}
		body, _ = sjson.DeleteBytes(next, oldPath)
	}

	return body
}

// Projection is a compiled JMESPath expression applied to response
// bodies.
type Projection struct {
	source string
	expr   *jmespath.JMESPath
}

// NewProjection compiles the expression.
func NewProjection(expression string) (*Projection, error) {
	expr, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("transform: jmespath %q: %w", expression, err)
	}
	return &Projection{source: expression, expr: expr}, nil
}

// Apply projects the payload through the expression. The original body
// is returned when it is not JSON, the search fails, or the projection
// comes back empty.
func (p *Projection) Apply(body []byte) []byte {
	if p == nil || len(body) == 0 {
		return body
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}
	result, err := p.expr.Search(data)
	if err != nil || result == nil {
		return body
	}
	projected, err := json.Marshal(result)
	if err != nil {
		return body
	}
	return projected
}
