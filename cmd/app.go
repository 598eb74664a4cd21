package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/config"
	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/executor"
	"github.com/sells-group/siteintel/internal/model"
	"github.com/sells-group/siteintel/internal/quality"
	"github.com/sells-group/siteintel/internal/resilience"
	"github.com/sells-group/siteintel/internal/router"
	"github.com/sells-group/siteintel/internal/scrape"
	"github.com/sells-group/siteintel/internal/store"
	"github.com/sells-group/siteintel/internal/telemetry"
	"github.com/sells-group/siteintel/pkg/jina"
)

// app holds the collaborators shared by the session commands.
type app struct {
	Store    store.Store
	Layer    *scrape.Layer
	Executor *executor.Executor
	Breakers *resilience.Breakers
	Registry *prometheus.Registry
}

// Close releases scraper resources and the store.
func (a *app) Close() {
	if a.Layer != nil {
		if err := a.Layer.Close(); err != nil {
			zap.L().Warn("close scraper layer", zap.Error(err))
		}
	}
	if err := a.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// newPostgres is swapped in tests to avoid dialing a database.
var newPostgres = store.NewPostgres

func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "siteintel.db"
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s.WithLockTTL(c.LockTTL), nil
	case "postgres":
		s, err := newPostgres(ctx, c.DatabaseURL, &c.Pool)
		if err != nil {
			return nil, err
		}
		return s.WithLockTTL(c.LockTTL), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// buildScrapers constructs the scrapers enabled in c. The two browser
// scrapers share one Chrome process.
func buildScrapers(c *config.Config, breakers *resilience.Breakers) ([]scrape.Scraper, error) {
	enabled := make(map[model.ScraperType]bool)
	if len(c.Scrape.Types) == 0 {
		for _, t := range model.AllScraperTypes() {
			enabled[t] = true
		}
	}
	for _, raw := range c.Scrape.Types {
		t, err := model.ParseScraperType(raw)
		if err != nil {
			return nil, eris.Wrap(err, "scrape.types")
		}
		enabled[t] = true
	}

	var browser *scrape.Browser
	if enabled[model.ScraperDynamic] || enabled[model.ScraperSPA] {
		browser = scrape.NewBrowser(c.Scrape.Browser)
	}

	var out []scrape.Scraper
	for _, t := range model.AllScraperTypes() {
		if !enabled[t] {
			continue
		}
		switch t {
		case model.ScraperStatic:
			out = append(out, scrape.NewStaticScraper(c.Scrape.HTTP))
		case model.ScraperAPI:
			out = append(out, scrape.NewAPIScraper(c.Scrape.HTTP, c.Scrape.MaxDiscovered))
		case model.ScraperDynamic, model.ScraperSPA:
			out = append(out, scrape.NewBrowserScraper(browser, t))
		case model.ScraperAI:
			client := jina.NewClient(c.Jina.Key,
				jina.WithBaseURL(c.Jina.BaseURL),
				jina.WithTimeout(c.Jina.Timeout),
			)
			out = append(out, scrape.NewReaderScraper(client, breakers.Get("jina")))
		}
	}
	return out, nil
}

// buildRouter loads custom technology signatures when configured.
func buildRouter(c *config.Config, calc *cost.Calculator) (*router.Router, error) {
	detector := router.DefaultDetector()
	if c.Scrape.SignaturesFile != "" {
		sigs, err := router.LoadSignatures(c.Scrape.SignaturesFile)
		if err != nil {
			return nil, err
		}
		detector, err = router.NewDetector(sigs)
		if err != nil {
			return nil, eris.Wrap(err, "compile signatures")
		}
		zap.L().Info("loaded technology signatures",
			zap.String("file", c.Scrape.SignaturesFile),
			zap.Int("count", len(sigs)),
		)
	}
	return router.New(detector, calc), nil
}

// initApp wires store, scrapers, routing, cost, quality, and telemetry into
// an executor.
func initApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	sink, err := telemetry.New(reg)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	breakerCfg := cfg.Scrape.Breaker
	breakerCfg.OnStateChange = sink.BreakerChanged
	breakers := resilience.NewBreakers(breakerCfg)

	scrapers, err := buildScrapers(cfg, breakers)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	layer := scrape.NewLayer(cfg.Scrape.Layer, scrapers...).WithObserver(sink)

	calc := cost.NewCalculator(cfg.Pricing)
	rt, err := buildRouter(cfg, calc)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	exec := executor.New(
		st,
		layer,
		rt,
		cost.NewOptimizer(calc, st),
		quality.NewAssessor(st),
		nil,
		cfg.Executor(),
	).WithTelemetry(sink)

	zap.L().Debug("app initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("scrapers", len(scrapers)),
	)

	return &app{
		Store:    st,
		Layer:    layer,
		Executor: exec,
		Breakers: breakers,
		Registry: reg,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
