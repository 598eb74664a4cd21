package scrape

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/siteintel/internal/model"
)

// DefaultMaxDiscovered caps how many URLs sitemap discovery returns.
const DefaultMaxDiscovered = 200

// maxChildSitemaps bounds how many sitemaps of an index are followed.
const maxChildSitemaps = 5

// endpointProbe is a well-known platform endpoint whose presence
// identifies the technology behind a site.
type endpointProbe struct {
	Path       string
	Technology string
	Match      func(body []byte) bool
}

var endpointProbes = []endpointProbe{
	{
		Path:       "/wp-json/",
		Technology: "WordPress",
		Match: func(body []byte) bool {
			var v struct {
				Namespaces []string `json:"namespaces"`
			}
			return json.Unmarshal(body, &v) == nil && len(v.Namespaces) > 0
		},
	},
	{
		Path:       "/products.json",
		Technology: "Shopify",
		Match: func(body []byte) bool {
			var v struct {
				Products []json.RawMessage `json:"products"`
			}
			return json.Unmarshal(body, &v) == nil && v.Products != nil
		},
	},
}

// APIScraper reads what a site publishes for machines: sitemaps, robots
// directives, JSON-LD and platform API endpoints. Its output feeds the
// site analysis layer.
type APIScraper struct {
	http          *StaticScraper
	maxDiscovered int

	mu     sync.Mutex
	probed map[string][]string
}

// NewAPIScraper creates an APIScraper. maxDiscovered <= 0 selects
// DefaultMaxDiscovered.
func NewAPIScraper(cfg HTTPConfig, maxDiscovered int) *APIScraper {
	if maxDiscovered <= 0 {
		maxDiscovered = DefaultMaxDiscovered
	}
	return &APIScraper{
		http:          NewStaticScraper(cfg),
		maxDiscovered: maxDiscovered,
		probed:        make(map[string][]string),
	}
}

func (s *APIScraper) Type() model.ScraperType { return model.ScraperAPI }

// Fetch extracts structured data from target and probes its origin for
// platform endpoints. Prose content is left to the content scrapers.
func (s *APIScraper) Fetch(ctx context.Context, target string) (*model.Page, error) {
	page, err := s.http.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	page.Paragraphs = nil
	page.Headings = nil
	page.Images = nil
	page.Text = ""

	for _, tech := range s.probe(ctx, target) {
		page.Technologies = appendUnique(page.Technologies, tech)
		page.Signals = append(page.Signals, "api:"+strings.ToLower(tech))
	}
	return page, nil
}

// probe checks each endpoint once per origin.
func (s *APIScraper) probe(ctx context.Context, target string) []string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host

	s.mu.Lock()
	found, done := s.probed[origin]
	s.mu.Unlock()
	if done {
		return found
	}

	found = []string{}
	for _, p := range endpointProbes {
		resp, err := s.http.get(ctx, origin+p.Path)
		if err != nil || resp.status != 200 {
			continue
		}
		if p.Match(resp.body) {
			found = append(found, p.Technology)
		}
	}
	if ctx.Err() != nil {
		return found
	}

	s.mu.Lock()
	s.probed[origin] = found
	s.mu.Unlock()
	return found
}

// Discover lists same-host page URLs from the sitemaps advertised in
// robots.txt, falling back to /sitemap.xml.
func (s *APIScraper) Discover(ctx context.Context, domain string) ([]string, error) {
	origin := "https://" + strings.TrimSuffix(domain, "/")
	if strings.Contains(domain, "://") {
		origin = strings.TrimSuffix(domain, "/")
	}
	base, err := url.Parse(origin)
	if err != nil || base.Host == "" {
		return nil, eris.Errorf("api: invalid domain %q", domain)
	}

	sitemaps := s.robotsSitemaps(ctx, origin)
	if len(sitemaps) == 0 {
		sitemaps = []string{origin + "/sitemap.xml"}
	}

	var out []string
	seen := make(map[string]bool)
	followed := 0
	for len(sitemaps) > 0 && len(out) < s.maxDiscovered && followed <= maxChildSitemaps {
		next := sitemaps[0]
		sitemaps = sitemaps[1:]
		followed++

		doc, err := s.sitemap(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return out, eris.Wrap(ctx.Err(), "api: discover")
			}
			zap.L().Debug("api: sitemap unavailable", zap.String("url", next), zap.Error(err))
			continue
		}
		for _, child := range doc.Sitemaps {
			if loc := strings.TrimSpace(child.Loc); loc != "" {
				sitemaps = append(sitemaps, loc)
			}
		}
		for _, entry := range doc.URLs {
			loc := strings.TrimSpace(entry.Loc)
			u, err := url.Parse(loc)
			if err != nil || !sameSite(u.Hostname(), base.Hostname()) || seen[loc] {
				continue
			}
			seen[loc] = true
			out = append(out, loc)
			if len(out) >= s.maxDiscovered {
				break
			}
		}
	}

	if len(out) == 0 {
		return nil, eris.Wrapf(model.ErrNoURLsFound, "api: no sitemap urls for %s", domain)
	}
	zap.L().Info("api: discovered sitemap urls",
		zap.String("domain", domain),
		zap.Int("count", len(out)),
	)
	return out, nil
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// sitemapDoc decodes both <urlset> and <sitemapindex> documents.
type sitemapDoc struct {
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

func (s *APIScraper) sitemap(ctx context.Context, target string) (*sitemapDoc, error) {
	resp, err := s.http.get(ctx, target)
	if err != nil {
		return nil, err
	}
	if resp.status != 200 {
		return nil, eris.Errorf("api: sitemap %s: status %d", target, resp.status)
	}
	return parseSitemap(resp.body, target)
}

// parseSitemap decodes a sitemap, transcoding legacy charsets declared in
// the XML prolog.
func parseSitemap(body []byte, target string) (*sitemapDoc, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "api: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	var doc sitemapDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrapf(err, "api: parse sitemap %s", target)
	}
	return &doc, nil
}

func (s *APIScraper) robotsSitemaps(ctx context.Context, origin string) []string {
	resp, err := s.http.get(ctx, origin+"/robots.txt")
	if err != nil || resp.status != 200 {
		return nil
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(resp.body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			continue
		}
		if val = strings.TrimSpace(val); val != "" {
			out = append(out, val)
		}
	}
	return out
}

func sameSite(host, base string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	base = strings.TrimPrefix(strings.ToLower(base), "www.")
	return host == base
}
