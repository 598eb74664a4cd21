package executor

import (
	"net/url"
	"strings"

	"github.com/sells-group/siteintel/internal/model"
)

// ResolveURLs picks the URLs for a cycle: the explicit URLs when any are
// given, else the sitemap pages discovered in earlier cycles, else the domain
// root. Explicit URLs never fall back, so a list with no valid entry resolves
// to nothing. The result is deduplicated, keeps first-seen order and holds at
// most limit entries. It depends only on its inputs.
func ResolveURLs(sess *model.Session, domain string, explicit []string, limit int) []string {
	if len(explicit) > 0 {
		return normalizeAll(explicit, limit)
	}
	if sess != nil {
		pages := sess.Data.Layer(model.LayerSiteAnalysis).Strings("sitemap_pages")
		if out := normalizeAll(pages, limit); len(out) > 0 {
			return out
		}
		if domain == "" {
			domain = sess.Domain
		}
	}
	return normalizeAll([]string{domain}, limit)
}

func normalizeAll(raw []string, limit int) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		if limit > 0 && len(out) >= limit {
			break
		}
		u, ok := normalizeURL(r)
		if !ok || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// normalizeURL adds an https scheme when missing, lowercases the host and
// gives bare hosts a root path. URLs carrying credentials are rejected.
func normalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	// userinfo also catches schemeless mailto: entries
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}
