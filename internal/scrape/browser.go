package scrape

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
)

// BrowserConfig tunes the headless browser shared by the dynamic and spa
// scrapers.
type BrowserConfig struct {
	ExecPath          string        `yaml:"exec_path" mapstructure:"exec_path"`
	MaxTabs           int           `yaml:"max_tabs" mapstructure:"max_tabs"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" mapstructure:"navigation_timeout"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// techProbe lists front-end frameworks visible as page globals.
const techProbe = `(() => {
  const w = window, found = [];
  if (w.React || document.querySelector('[data-reactroot]')) found.push('React');
  if (w.__NEXT_DATA__) found.push('Next.js');
  if (w.Vue || w.__VUE__) found.push('Vue.js');
  if (w.__NUXT__) found.push('Nuxt');
  if (w.ng || document.querySelector('[ng-version]')) found.push('Angular');
  if (w.___gatsby || document.getElementById('___gatsby')) found.push('Gatsby');
  if (w.jQuery) found.push('jQuery');
  if (w.Shopify) found.push('Shopify');
  if (w.Webflow) found.push('Webflow');
  if (w.Squarespace) found.push('Squarespace');
  if (w.wixBiSession) found.push('Wix');
  if (w.gtag || w.ga) found.push('Google Analytics');
  return found;
})()`

// Browser owns one headless Chrome process. Tabs are opened per fetch.
type Browser struct {
	cfg BrowserConfig

	mu          sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelBrows context.CancelFunc
	tabs        chan struct{}
}

// NewBrowser creates a Browser. Chrome starts on Initialize.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 4
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Browser{cfg: cfg, tabs: make(chan struct{}, cfg.MaxTabs)}
}

// Initialize launches Chrome. Calling it again after success is a no-op.
func (b *Browser) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	if err := ctx.Err(); err != nil {
		cancelBrowser()
		cancelAlloc()
		return eris.Wrap(err, "browser: launch chrome")
	}
	// The first Run allocates Chrome and ties its lifetime to browserCtx,
	// so it must not run on a derived, cancellable context.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return eris.Wrap(err, "browser: launch chrome")
	}

	b.browserCtx = browserCtx
	b.cancelAlloc = cancelAlloc
	b.cancelBrows = cancelBrowser
	zap.L().Info("browser: chrome started", zap.Int("max_tabs", b.cfg.MaxTabs))
	return nil
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil
	}
	b.cancelBrows()
	b.cancelAlloc()
	b.browserCtx = nil
	return nil
}

func (b *Browser) context() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil, eris.New("browser: not initialized")
	}
	return b.browserCtx, nil
}

type rendered struct {
	html         string
	finalURL     string
	status       int
	header       http.Header
	technologies []string
}

// render opens a tab, loads target and returns the settled DOM. settle is
// how long to wait after the body is ready; scroll triggers lazy content.
func (b *Browser) render(ctx context.Context, target string, settle time.Duration, scroll bool) (*rendered, error) {
	parent, err := b.context()
	if err != nil {
		return nil, err
	}

	select {
	case b.tabs <- struct{}{}:
		defer func() { <-b.tabs }()
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "browser: wait for tab")
	}

	tabCtx, cancelTab := chromedp.NewContext(parent)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	out := &rendered{header: http.Header{}}
	var mu sync.Mutex
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if out.status != 0 {
			return
		}
		out.status = int(resp.Response.Status)
		for k, v := range resp.Response.Headers {
			if s, ok := v.(string); ok {
				out.header.Set(k, s)
			}
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetUserAgentOverride(b.cfg.UserAgent),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
	}
	if scroll {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(settle),
		)
	}
	actions = append(actions,
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
		chromedp.Evaluate(techProbe, &out.technologies),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "browser: render %s", target)
		}
		return nil, eris.Wrapf(resilience.MarkTransient(err), "browser: render %s", target)
	}

	mu.Lock()
	defer mu.Unlock()
	if out.status == 0 {
		out.status = http.StatusOK
	}
	if out.finalURL == "" {
		out.finalURL = target
	}
	return out, nil
}

// BrowserScraper renders pages in headless Chrome. The dynamic type waits
// briefly for scripts; the spa type also scrolls and waits longer for
// client-side routing to settle.
type BrowserScraper struct {
	browser *Browser
	kind    model.ScraperType
	settle  time.Duration
	scroll  bool
}

// NewBrowserScraper creates a scraper of kind (dynamic or spa) on browser.
func NewBrowserScraper(browser *Browser, kind model.ScraperType) *BrowserScraper {
	s := &BrowserScraper{browser: browser, kind: kind, settle: 500 * time.Millisecond}
	if kind == model.ScraperSPA {
		s.settle = 2 * time.Second
		s.scroll = true
	}
	return s
}

func (s *BrowserScraper) Type() model.ScraperType { return s.kind }

// Initialize starts the shared browser.
func (s *BrowserScraper) Initialize(ctx context.Context) error {
	return s.browser.Initialize(ctx)
}

// Close stops the shared browser.
func (s *BrowserScraper) Close() error {
	return s.browser.Close()
}

func (s *BrowserScraper) Fetch(ctx context.Context, target string) (*model.Page, error) {
	r, err := s.browser.render(ctx, target, s.settle, s.scroll)
	if err != nil {
		return nil, err
	}
	if bt := DetectBlock(r.status, r.header, []byte(r.html), false); bt != BlockNone {
		return nil, eris.Wrapf(ErrBlocked, "%s: %s (%s)", s.kind, target, bt)
	}
	if r.status >= 400 {
		return nil, eris.Wrap(&resilience.StatusError{URL: target, StatusCode: r.status}, string(s.kind))
	}

	page, err := Extract(r.finalURL, r.status, []byte(r.html))
	if err != nil {
		return nil, err
	}
	page.URL = target
	if r.finalURL != target {
		page.FinalURL = r.finalURL
	}
	for _, t := range r.technologies {
		page.Technologies = appendUnique(page.Technologies, t)
	}
	return page, nil
}
