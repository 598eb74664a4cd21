package scrape

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
)

// BlockType names the kind of anti-bot wall a response hit.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// ErrBlocked is returned when a fetch landed on a challenge page instead
// of content. It is not retried.
var ErrBlocked = eris.New("blocked by anti-bot protection")

// DetectBlock inspects a response for a challenge page. A JS shell is only
// reported when jsShell is true: the browser scraper renders those and the
// static scraper does not.
func DetectBlock(status int, header http.Header, body []byte, jsShell bool) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("Cf-Ray") != "" || header.Get("Cf-Cache-Status") != "" ||
			strings.EqualFold(header.Get("Server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "checking your browser"),
		strings.Contains(lower, "cf-browser-verification"),
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge"):
		return BlockCloudflare
	case strings.Contains(lower, "g-recaptcha"),
		strings.Contains(lower, "h-captcha"),
		strings.Contains(lower, "hcaptcha.com"),
		strings.Contains(lower, "complete the captcha"),
		strings.Contains(lower, "complete the recaptcha"):
		return BlockCaptcha
	}

	if jsShell && len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}
