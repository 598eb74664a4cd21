package scrape

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/resilience"
)

// LayerConfig tunes URL fan-out.
type LayerConfig struct {
	// Concurrency bounds in-flight fetches per cycle. Default: 4.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// PerHostRPS limits request rate per host. Default: 2.
	PerHostRPS float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	// PerHostBurst is the limiter burst size. Default: 1.
	PerHostBurst int `yaml:"per_host_burst" mapstructure:"per_host_burst"`
	// ExcludePatterns skip URL paths; nil selects DefaultExcludePatterns.
	ExcludePatterns []string `yaml:"exclude_patterns" mapstructure:"exclude_patterns"`
	// Retry applies to each fetch.
	Retry resilience.Policy `yaml:"retry" mapstructure:"retry"`
}

func (c LayerConfig) withDefaults() LayerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PerHostRPS <= 0 {
		c.PerHostRPS = 2
	}
	if c.PerHostBurst <= 0 {
		c.PerHostBurst = 1
	}
	return c
}

// FetchObserver receives the outcome of every fetch. Implementations must
// not block.
type FetchObserver interface {
	ObserveFetch(scraper model.ScraperType, d time.Duration, err error)
}

// Layer dispatches a scrape request to the scraper registered for its type
// and fans the URLs out under per-host rate limits.
type Layer struct {
	cfg      LayerConfig
	scrapers map[model.ScraperType]Scraper
	matcher  *PathMatcher
	observer FetchObserver

	initMu  sync.Mutex
	ready   map[model.ScraperType]bool
	initErr map[model.ScraperType]error

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLayer creates a Layer over scrapers, keyed by their Type. A later
// scraper replaces an earlier one of the same type.
func NewLayer(cfg LayerConfig, scrapers ...Scraper) *Layer {
	cfg = cfg.withDefaults()
	l := &Layer{
		cfg:      cfg,
		scrapers: make(map[model.ScraperType]Scraper, len(scrapers)),
		matcher:  NewPathMatcher(cfg.ExcludePatterns),
		ready:    make(map[model.ScraperType]bool),
		initErr:  make(map[model.ScraperType]error),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, s := range scrapers {
		l.scrapers[s.Type()] = s
	}
	return l
}

// WithObserver attaches a fetch observer.
func (l *Layer) WithObserver(o FetchObserver) *Layer {
	l.observer = o
	return l
}

// Types lists the registered scraper types, cheapest first.
func (l *Layer) Types() []model.ScraperType {
	var out []model.ScraperType
	for _, t := range model.AllScraperTypes() {
		if _, ok := l.scrapers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Initialize starts scrapers that hold resources. It is idempotent: a
// scraper that started is not started again, and one that failed is
// retried on the next call. A failed scraper does not fail the layer;
// requests for its type return the startup error.
func (l *Layer) Initialize(ctx context.Context) error {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	for t, s := range l.scrapers {
		if l.ready[t] {
			continue
		}
		in, ok := s.(Initializer)
		if !ok {
			l.ready[t] = true
			continue
		}
		if err := in.Initialize(ctx); err != nil {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "scrape: initialize")
			}
			l.initErr[t] = err
			zap.L().Warn("scrape: scraper unavailable",
				zap.String("scraper", string(t)),
				zap.Error(err),
			)
			continue
		}
		delete(l.initErr, t)
		l.ready[t] = true
	}
	return nil
}

// Close releases scraper resources.
func (l *Layer) Close() error {
	var errs []error
	for _, s := range l.scrapers {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Execute fetches req.URLs with the requested scraper. Individual URL
// failures are reported in Failed; an error is returned only when the
// cycle produced nothing.
func (l *Layer) Execute(ctx context.Context, req model.ScrapeRequest) (*model.ScrapeResult, error) {
	s, ok := l.scrapers[req.ScraperType]
	if !ok {
		return nil, eris.Errorf("scrape: no scraper registered for %q", req.ScraperType)
	}
	l.initMu.Lock()
	initErr := l.initErr[req.ScraperType]
	l.initMu.Unlock()
	if initErr != nil {
		return nil, eris.Wrapf(initErr, "scrape: %s unavailable", req.ScraperType)
	}

	log := zap.L().With(
		zap.String("session_id", req.SessionID),
		zap.String("scraper", string(req.ScraperType)),
	)
	progress := req.Progress
	if progress == nil {
		progress = func(model.Progress) {}
	}

	urls, skipped := l.matcher.Filter(dedupe(req.URLs))
	if len(skipped) > 0 {
		log.Debug("scrape: excluded urls", zap.Strings("urls", skipped))
	}

	result := &model.ScrapeResult{ScraperType: req.ScraperType, Skipped: skipped}
	if d, ok := s.(Discoverer); ok && req.Domain != "" {
		found, err := d.Discover(ctx, req.Domain)
		switch {
		case err == nil:
			result.Discovered, _ = l.matcher.Filter(found)
		case ctx.Err() != nil:
			return nil, eris.Wrap(ctx.Err(), "scrape: discover")
		default:
			log.Info("scrape: discovery found nothing", zap.Error(err))
		}
	}

	if len(urls) == 0 {
		if len(result.Discovered) > 0 {
			return result, nil
		}
		return nil, eris.Wrap(model.ErrNoURLsFound, "scrape: every url was excluded")
	}

	total := len(urls)
	progress(model.Progress{Stage: model.StageScraping, Total: total})

	pages := make([]*model.Page, total)
	errs := make([]error, total)
	var done atomic.Int32

	g := new(errgroup.Group)
	g.SetLimit(l.cfg.Concurrency)
	for i, target := range urls {
		g.Go(func() error {
			page, err := l.fetch(ctx, s, target)
			pages[i], errs[i] = page, err

			n := int(done.Add(1))
			if err != nil {
				log.Warn("scrape: fetch failed", zap.String("url", target), zap.Error(err))
				progress(model.Progress{Stage: model.StageFailed, Done: n, Total: total, URL: target, Message: err.Error()})
				return nil
			}
			progress(model.Progress{Stage: model.StageFetched, Done: n, Total: total, URL: target})
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range pages {
		if p != nil {
			result.Pages = append(result.Pages, *p)
		} else {
			result.Failed = append(result.Failed, urls[i])
		}
	}

	if len(result.Pages) == 0 && len(result.Discovered) == 0 {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "scrape: cycle canceled")
		}
		return nil, eris.Wrapf(firstError(errs), "scrape: all %d urls failed", total)
	}

	log.Info("scrape: cycle finished",
		zap.Int("pages", len(result.Pages)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("discovered", len(result.Discovered)),
	)
	return result, nil
}

func (l *Layer) fetch(ctx context.Context, s Scraper, target string) (*model.Page, error) {
	if err := l.limiter(target).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "scrape: rate limit wait")
	}

	policy := l.cfg.Retry
	policy.OnRetry = resilience.LogRetry(string(s.Type()), target)
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrBlocked) && resilience.IsTransient(err)
	}

	start := time.Now()
	page, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) (*model.Page, error) {
		return s.Fetch(ctx, target)
	})
	if l.observer != nil {
		l.observer.ObserveFetch(s.Type(), time.Since(start), err)
	}
	return page, err
}

// limiter returns the shared limiter for target's host.
func (l *Layer) limiter(target string) *rate.Limiter {
	host := target
	if u, err := url.Parse(target); err == nil {
		host = strings.ToLower(u.Host)
	}

	l.limMu.Lock()
	defer l.limMu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerHostRPS), l.cfg.PerHostBurst)
		l.limiters[host] = lim
	}
	return lim
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return eris.New("no error recorded")
}
