package router

import (
	"fmt"
	"sort"
	"strings"
)

// Per-segment specificity scores. Patterns compare lexicographically over
// these, so a literal segment always beats a parameter at the same
// position, and a pattern that ends where another continues ("missing")
// still beats a catch-all.
const (
	scoreLiteral  = 6
	scoreParam    = 4
	scoreWildcard = 2
	scoreMissing  = 1
	scoreCatchAll = 0
)

type segKind int

const (
	segLiteral segKind = iota
	segParam
	segWildcard
	segCatchAll
)

type segment struct {
	kind    segKind
	literal string // segLiteral: the exact text
	param   string // segParam: the capture name
}

// Pattern is a compiled path pattern. Segments are /-separated: ":name"
// captures one segment, "*" matches exactly one segment, and a trailing
// "**" matches zero or more segments, exposing them as the remainder.
type Pattern struct {
	Raw      string
	segments []segment
	catchAll bool
	nparams  int
	score    []int
}

// Compile parses a raw pattern. The pattern must start with "/" and may
// only use "**" as its final segment.
func Compile(raw string) (*Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	p := &Pattern{Raw: raw}
	if raw == "/" {
		return p, nil
	}

	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")
	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: ** is only allowed as the final segment", raw)
			}
			p.catchAll = true
			p.segments = append(p.segments, segment{kind: segCatchAll})
			p.score = append(p.score, scoreCatchAll)
		case part == "*":
			p.segments = append(p.segments, segment{kind: segWildcard})
			p.score = append(p.score, scoreWildcard)
		case strings.HasPrefix(part, ":"):
			if len(part) == 1 {
				return nil, fmt.Errorf("pattern %q has an unnamed parameter", raw)
			}
			p.nparams++
			p.segments = append(p.segments, segment{kind: segParam, param: part[1:]})
			p.score = append(p.score, scoreParam)
		case part == "":
			return nil, fmt.Errorf("pattern %q has an empty segment", raw)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, literal: part})
			p.score = append(p.score, scoreLiteral)
		}
	}

	return p, nil
}

// MustCompile is Compile that panics on error, for static patterns.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// MatchResult carries the captures of a successful match.
type MatchResult struct {
	// Params maps parameter names to the matched segment text.
	Params map[string]string
	// Remainder holds the segments consumed by a trailing "**", joined
	// with "/" and without a leading slash. Empty when ** matched zero
	// segments.
	Remainder string
}

// Match evaluates the pattern against a normalized path. Matching fails
// when segment counts disagree, unless the pattern ends in "**".
func (p *Pattern) Match(path string) (MatchResult, bool) {
	var res MatchResult

	var segs []string
	if path != "/" {
		segs = strings.Split(strings.TrimPrefix(path, "/"), "/")
	}

	want := len(p.segments)
	if p.catchAll {
		if len(segs) < want-1 {
			return res, false
		}
	} else if len(segs) != want {
		return res, false
	}

	for i, s := range p.segments {
		switch s.kind {
		case segLiteral:
			if segs[i] != s.literal {
				return res, false
			}
		case segParam:
			if res.Params == nil {
				res.Params = make(map[string]string, p.nparams)
			}
			res.Params[s.param] = segs[i]
		case segWildcard:
			// any single segment
		case segCatchAll:
			res.Remainder = strings.Join(segs[i:], "/")
			return res, true
		}
	}

	return res, true
}

// NormalizePath ensures a leading slash, collapses duplicate slashes, and
// strips the trailing slash except on root.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// moreSpecific reports whether a sorts before b: lexicographic comparison
// of per-segment scores (absent positions count as "missing"), with the
// raw pattern string as the final tie-break.
func moreSpecific(a, b *Pattern) bool {
	n := len(a.score)
	if len(b.score) > n {
		n = len(b.score)
	}
	for i := 0; i < n; i++ {
		sa, sb := scoreMissing, scoreMissing
		if i < len(a.score) {
			sa = a.score[i]
		}
		if i < len(b.score) {
			sb = b.score[i]
		}
		if sa != sb {
			return sa > sb
		}
	}
	return a.Raw < b.Raw
}

// SortBySpecificity orders patterns so that, for any request path, the
// first matching pattern in iteration order is the most specific. The
// order is a strict total order, so the result is independent of the
// input permutation.
func SortBySpecificity(patterns []*Pattern) []*Pattern {
	sort.SliceStable(patterns, func(i, j int) bool {
		return moreSpecific(patterns[i], patterns[j])
	})
	return patterns
}
