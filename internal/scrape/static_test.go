package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
)

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Home</title></head><body>
<h1>Welcome</h1><p>Acme builds dependable widgets for every factory floor.</p></body></html>`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("try later"))
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>Checking your browser before accessing acme.com</body></html>`))
	})
	mux.HandleFunc("/shell", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><noscript>You need to enable JavaScript to run this app.</noscript><div id="root"></div></body></html>`))
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticScraper_Fetch(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)
	s := NewStaticScraper(HTTPConfig{})

	assert.Equal(t, model.ScraperStatic, s.Type())

	page, err := s.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/", page.URL)
	assert.Empty(t, page.FinalURL)
	assert.Equal(t, "Home", page.Title)
	assert.Equal(t, []string{"Welcome"}, page.Headings)
	assert.Len(t, page.Paragraphs, 1)
	assert.Equal(t, http.StatusOK, page.StatusCode)
}

func TestStaticScraper_StatusErrors(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)
	s := NewStaticScraper(HTTPConfig{})

	tests := []struct {
		name      string
		path      string
		status    int
		transient bool
	}{
		{"not found", "/missing", http.StatusNotFound, false},
		{"unavailable", "/busy", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Fetch(context.Background(), srv.URL+tt.path)
			require.Error(t, err)

			var se *resilience.StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestStaticScraper_Challenge(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	_, err := NewStaticScraper(HTTPConfig{}).Fetch(context.Background(), srv.URL+"/challenge")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestStaticScraper_JSShellKeepsPage(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	page, err := NewStaticScraper(HTTPConfig{}).Fetch(context.Background(), srv.URL+"/shell")
	require.NoError(t, err)
	assert.Contains(t, page.Signals, "block:js_shell")
}

func TestStaticScraper_RejectsNonHTML(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	_, err := NewStaticScraper(HTTPConfig{}).Fetch(context.Background(), srv.URL+"/data.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported content type")
}

func TestStaticScraper_ContextCanceled(t *testing.T) {
	t.Parallel()
	srv := newSiteServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewStaticScraper(HTTPConfig{}).Fetch(ctx, srv.URL+"/slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHTTPConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg := HTTPConfig{}.withDefaults()
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 2<<20, cfg.MaxBodyBytes)

	cfg = HTTPConfig{UserAgent: "bot", Timeout: time.Second}.withDefaults()
	assert.Equal(t, "bot", cfg.UserAgent)
	assert.Equal(t, time.Second, cfg.Timeout)
}
