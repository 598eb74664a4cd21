package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathMatcher_IsExcluded(t *testing.T) {
	t.Parallel()
	m := NewPathMatcher(nil)

	tests := []struct {
		name     string
		url      string
		excluded bool
	}{
		{"homepage", "https://acme.com", false},
		{"about", "https://acme.com/about", false},
		{"admin root", "https://acme.com/wp-admin", true},
		{"admin deep", "https://acme.com/wp-admin/options.php", true},
		{"cart", "https://acme.com/cart/items", true},
		{"login page", "https://acme.com/login", true},
		{"login with suffix", "https://acme.com/login-help", true},
		{"root pdf", "https://acme.com/brochure.pdf", true},
		{"nested pdf", "https://acme.com/docs/brochure.pdf", false},
		{"case insensitive", "https://acme.com/CART/x", true},
		{"mailto", "mailto:hi@acme.com", true},
		{"relative", "/about", true},
		{"garbage", "://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.excluded, m.IsExcluded(tt.url))
		})
	}
}

func TestPathMatcher_EmptyPatterns(t *testing.T) {
	t.Parallel()
	m := NewPathMatcher([]string{})
	assert.False(t, m.IsExcluded("https://acme.com/cart/x"))
}

func TestPathMatcher_Filter(t *testing.T) {
	t.Parallel()
	m := NewPathMatcher([]string{"/blog/*"})
	kept, skipped := m.Filter([]string{
		"https://acme.com/",
		"https://acme.com/blog/post",
		"https://acme.com/team",
	})
	assert.Equal(t, []string{"https://acme.com/", "https://acme.com/team"}, kept)
	assert.Equal(t, []string{"https://acme.com/blog/post"}, skipped)
}
