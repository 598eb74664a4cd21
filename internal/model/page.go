package model

import "time"

// Page is a single fetched page with the signals extracted from it.
type Page struct {
	URL          string         `json:"url"`
	FinalURL     string         `json:"final_url,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	StatusCode   int            `json:"status_code"`
	Text         string         `json:"text,omitempty"`
	Paragraphs   []string       `json:"paragraphs,omitempty"`
	Headings     []string       `json:"headings,omitempty"`
	Images       []string       `json:"images,omitempty"`
	Links        []string       `json:"links,omitempty"`
	Emails       []string       `json:"emails,omitempty"`
	Phones       []string       `json:"phones,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
	Signals      []string       `json:"signals,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// ScrapeResult is what the scraper layer returns for one cycle.
type ScrapeResult struct {
	ScraperType ScraperType    `json:"scraper_type"`
	Pages       []Page         `json:"pages"`
	Discovered  []string       `json:"discovered,omitempty"`
	Enrichment  map[string]any `json:"enrichment,omitempty"`
	Failed      []string       `json:"failed,omitempty"`
	// Skipped lists requested URLs excluded before any fetch was attempted.
	Skipped []string `json:"skipped,omitempty"`
	// Cost is the actual spend reported by the fetcher; nil means unknown
	// and the projected cost is tracked instead.
	Cost *float64 `json:"cost,omitempty"`
}

// ScrapeRequest asks the scraper layer to run one strategy over a URL set.
type ScrapeRequest struct {
	SessionID   string      `json:"session_id"`
	Domain      string      `json:"domain"`
	ScraperType ScraperType `json:"scraper_type"`
	URLs        []string    `json:"urls"`
	// Progress, when set, is called as URLs finish. It may be called from
	// several goroutines.
	Progress ProgressFunc `json:"-"`
}

// Progress is a streaming update emitted during a cycle.
type Progress struct {
	Stage   string `json:"stage"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives streaming progress.
type ProgressFunc func(Progress)

// Progress stages.
const (
	StageStarted   = "started"
	StageScraping  = "scraping"
	StageFetched   = "fetched"
	StageFailed    = "failed"
	StageMerging   = "merging"
	StageAssessing = "assessing"
	StageComplete  = "complete"
)
