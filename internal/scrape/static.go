package scrape

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
)

// DefaultUserAgent identifies the fetchers to site operators.
const DefaultUserAgent = "Mozilla/5.0 (compatible; siteintel/1.0; +https://github.com/sells-group/siteintel)"

// HTTPConfig tunes the plain-HTTP fetchers.
type HTTPConfig struct {
	UserAgent     string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes  int           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RespectRobots bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 2 << 20
	}
	return c
}

// StaticScraper fetches server-rendered HTML with colly and extracts it
// without running JavaScript.
type StaticScraper struct {
	cfg  HTTPConfig
	base *colly.Collector
}

// NewStaticScraper creates a StaticScraper sharing one transport across
// fetches.
func NewStaticScraper(cfg HTTPConfig) *StaticScraper {
	cfg = cfg.withDefaults()
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		colly.UserAgent(cfg.UserAgent),
	)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newTransport())
	return &StaticScraper{cfg: cfg, base: c}
}

func (s *StaticScraper) Type() model.ScraperType { return model.ScraperStatic }

// Fetch downloads target and extracts it. Challenge pages and non-2xx
// statuses are errors; 429 and 5xx are retryable. JS shells are returned
// with a block signal so routing can escalate to a browser.
func (s *StaticScraper) Fetch(ctx context.Context, target string) (*model.Page, error) {
	resp, err := s.get(ctx, target)
	if err != nil {
		return nil, err
	}
	bt := DetectBlock(resp.status, resp.header, resp.body, true)
	if bt != BlockNone && bt != BlockJSShell {
		return nil, eris.Wrapf(ErrBlocked, "static: %s (%s)", target, bt)
	}
	if resp.status >= 300 {
		return nil, eris.Wrap(&resilience.StatusError{URL: target, StatusCode: resp.status}, "static")
	}
	if ct := resp.header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, eris.Errorf("static: %s: unsupported content type %q", target, ct)
	}

	page, err := Extract(resp.finalURL, resp.status, resp.body)
	if err != nil {
		return nil, err
	}
	page.URL = target
	if resp.finalURL != target {
		page.FinalURL = resp.finalURL
	}
	// A shell page still carries framework markers the router needs.
	if bt == BlockJSShell {
		page.Signals = append(page.Signals, "block:"+string(BlockJSShell))
	}
	return page, nil
}

type rawResponse struct {
	status   int
	header   http.Header
	body     []byte
	finalURL string
}

// get runs one colly visit on a cloned collector bound to ctx. The visit
// runs in its own goroutine so cancellation returns promptly.
func (s *StaticScraper) get(ctx context.Context, target string) (*rawResponse, error) {
	c := s.base.Clone()
	c.Context = ctx
	c.SetRequestTimeout(s.cfg.Timeout)

	var (
		out      rawResponse
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.body = append([]byte(nil), r.Body...)
		out.finalURL = r.Request.URL.String()
		if r.Headers != nil {
			out.header = r.Headers.Clone()
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(target) }()

	select {
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "static: fetch %s", target)
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return nil, eris.Wrapf(err, "static: fetch %s", target)
		}
	}
	if out.header == nil {
		out.header = http.Header{}
	}
	if out.finalURL == "" {
		out.finalURL = target
	}
	return &out, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
