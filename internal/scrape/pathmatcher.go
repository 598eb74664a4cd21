package scrape

import (
	"net/url"
	"path"
	"strings"
)

// DefaultExcludePatterns skips pages that never carry company facts.
var DefaultExcludePatterns = []string{
	"/wp-admin/*",
	"/wp-login.php",
	"/cart/*",
	"/checkout/*",
	"/account/*",
	"/login*",
	"/*.pdf",
	"/*.zip",
}

// PathMatcher filters URLs with glob-style path patterns. A pattern ending
// in "/*" also matches every deeper path under that prefix.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher lowercases patterns once. A nil slice selects
// DefaultExcludePatterns; an empty non-nil slice excludes nothing.
func NewPathMatcher(patterns []string) *PathMatcher {
	if patterns == nil {
		patterns = DefaultExcludePatterns
	}
	m := &PathMatcher{patterns: make([]string, len(patterns))}
	for i, p := range patterns {
		m.patterns[i] = strings.ToLower(p)
	}
	return m
}

// IsExcluded reports whether rawURL should be skipped. Unparseable and
// non-http URLs are excluded.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return true
	}
	p := strings.ToLower(u.Path)
	if p == "" {
		p = "/"
	}
	for _, pattern := range m.patterns {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

// Filter returns the URLs that are not excluded, preserving order.
func (m *PathMatcher) Filter(urls []string) (kept, skipped []string) {
	for _, u := range urls {
		if m.IsExcluded(u) {
			skipped = append(skipped, u)
			continue
		}
		kept = append(kept, u)
	}
	return kept, skipped
}

func matchPath(pattern, p string) bool {
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	}
	return false
}
