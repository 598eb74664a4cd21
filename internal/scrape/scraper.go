// Package scrape implements the scraper layer: one fetcher per scraper
// type, fanned out over a URL set with per-host rate limits and retries.
package scrape

import (
	"context"

	"github.com/sells-group/siteintel/internal/model"
)

// Scraper fetches and extracts a single URL.
type Scraper interface {
	Type() model.ScraperType
	Fetch(ctx context.Context, url string) (*model.Page, error)
}

// Initializer is implemented by scrapers that hold expensive resources,
// such as a browser process, that should start once.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Discoverer is implemented by scrapers that can enumerate a site's pages
// before fetching them.
type Discoverer interface {
	Discover(ctx context.Context, domain string) ([]string, error)
}

// Closer releases scraper resources.
type Closer interface {
	Close() error
}
