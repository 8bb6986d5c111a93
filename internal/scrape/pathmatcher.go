package scrape

import (
	"net/url"
	"path"
	"strings"
)

// defaultExcludePatterns skip pages that never carry competitive signal.
var defaultExcludePatterns = []string{
	"/login*",
	"/signin*",
	"/signup*",
	"/cart*",
	"/checkout*",
	"/account/*",
	"*.pdf",
	"*.zip",
	"*.mp4",
}

type ruleKind int

const (
	ruleGlob ruleKind = iota // path.Match against the path or a parent dir
	ruleExt           // "*.pdf": extension at any depth
	ruleTree          // "/account/*": the directory and everything below it
)

type pathRule struct {
	kind    ruleKind
	pattern string
	negate  bool
}

func compileRule(p string) pathRule {
	r := pathRule{}
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	p = strings.ToLower(p)
	switch {
	case strings.HasPrefix(p, "*.") && !strings.Contains(p[2:], "/"):
		r.kind, r.pattern = ruleExt, p[1:]
	case strings.HasSuffix(p, "/*"):
		r.kind, r.pattern = ruleTree, strings.TrimSuffix(p, "/*")
	default:
		r.kind, r.pattern = ruleGlob, p
	}
	return r
}

func (r pathRule) matches(urlPath string) bool {
	switch r.kind {
	case ruleExt:
		return strings.HasSuffix(urlPath, r.pattern)
	case ruleTree:
		return urlPath == r.pattern || strings.HasPrefix(urlPath, r.pattern+"/")
	default:
		// A glob that matches a directory also covers what is under it.
		for i := 1; i < len(urlPath); i++ {
			if urlPath[i] == '/' {
				if ok, _ := path.Match(r.pattern, urlPath[:i]); ok {
					return true
				}
			}
		}
		ok, _ := path.Match(r.pattern, urlPath)
		return ok
	}
}

// PathMatcher decides which URLs are not worth scraping. Patterns are
// case-insensitive globs over the URL path; "!" in front of a pattern
// re-includes what an earlier one excluded, and the last matching pattern
// wins.
type PathMatcher struct {
	patterns []string
	rules    []pathRule
}

// NewPathMatcher compiles patterns, or the defaults when there are none.
func NewPathMatcher(patterns []string) *PathMatcher {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	m := &PathMatcher{patterns: patterns, rules: make([]pathRule, 0, len(patterns))}
	for _, p := range patterns {
		m.rules = append(m.rules, compileRule(p))
	}
	return m
}

// Patterns returns the patterns as configured.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// IsExcluded reports whether rawURL should be skipped. Unparseable and
// non-HTTP URLs always are.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return true
	}

	urlPath := strings.ToLower(u.Path)
	excluded := false
	for _, r := range m.rules {
		if r.matches(urlPath) {
			excluded = !r.negate
		}
	}
	return excluded
}
