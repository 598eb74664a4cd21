package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/model"
)

func newAPISite(t *testing.T, robots bool, wpProbes *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if !robots {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "User-agent: *\nDisallow: /private\nSitemap: %s/sitemap_index.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/page-sitemap.xml</loc></sitemap>
  <sitemap><loc>%[1]s/missing-sitemap.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/page-sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/</loc></url>
  <url><loc>%[1]s/about</loc></url>
  <url><loc>%[1]s/about</loc></url>
  <url><loc>https://elsewhere.example.com/x</loc></url>
  <url><loc>%[1]s/team</loc></url>
</urlset>`, srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<urlset><url><loc>%s/contact</loc></url></urlset>`, srv.URL)
	})
	mux.HandleFunc("/wp-json/", func(w http.ResponseWriter, r *http.Request) {
		if wpProbes != nil {
			wpProbes.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Acme","namespaces":["wp/v2","oembed/1.0"]}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Acme</title>
<script type="application/ld+json">{"@type":"Organization","name":"Acme Inc","telephone":"+1 555 010 1000"}</script>
</head><body><h1>Acme</h1><p>Paragraph text that is long enough to be kept by extraction.</p></body></html>`))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIScraper_DiscoverFromRobots(t *testing.T) {
	t.Parallel()
	srv := newAPISite(t, true, nil)
	s := NewAPIScraper(HTTPConfig{}, 0)

	urls, err := s.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/", srv.URL + "/about", srv.URL + "/team"}, urls)
}

func TestAPIScraper_DiscoverFallsBackToSitemapXML(t *testing.T) {
	t.Parallel()
	srv := newAPISite(t, false, nil)

	urls, err := NewAPIScraper(HTTPConfig{}, 0).Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/contact"}, urls)
}

func TestAPIScraper_DiscoverCap(t *testing.T) {
	t.Parallel()
	srv := newAPISite(t, true, nil)

	urls, err := NewAPIScraper(HTTPConfig{}, 2).Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
}

func TestAPIScraper_DiscoverNothing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewAPIScraper(HTTPConfig{}, 0).Discover(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNoURLsFound))
}

func TestAPIScraper_Fetch(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	srv := newAPISite(t, true, &probes)
	s := NewAPIScraper(HTTPConfig{}, 0)

	assert.Equal(t, model.ScraperAPI, s.Type())

	page, err := s.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "Acme", page.Title)
	assert.Equal(t, []string{"WordPress"}, page.Technologies)
	assert.Contains(t, page.Signals, "api:wordpress")
	assert.Equal(t, []string{"+1 555 010 1000"}, page.Phones)
	assert.Equal(t, "Acme Inc", model.LayerData(page.Fields).Strings("company.name")[0])
	assert.Empty(t, page.Paragraphs)
	assert.Empty(t, page.Headings)

	// endpoints are probed once per origin
	_, err = s.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int32(1), probes.Load())
}

func TestParseSitemap_Charset(t *testing.T) {
	body := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<urlset><url><loc>https://acme.com/caf\xe9</loc></url></urlset>")

	doc, err := parseSitemap(body, "https://acme.com/sitemap.xml")
	require.NoError(t, err)
	require.Len(t, doc.URLs, 1)
	assert.Equal(t, "https://acme.com/café", doc.URLs[0].Loc)

	_, err = parseSitemap([]byte(`<?xml version="1.0" encoding="x-klingon"?><urlset/>`), "https://acme.com/sitemap.xml")
	assert.Error(t, err)
}
