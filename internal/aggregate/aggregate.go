// Package aggregate merges scraper output into a session's layered data.
// Every function here is pure: inputs are never mutated and a populated
// field is never erased.
package aggregate

import (
	"time"

	"github.com/sells-group/siteintel/internal/model"
)

// Aggregator merges scrape results into MergedData.
type Aggregator struct {
	now func() time.Time
}

// New creates an Aggregator.
func New() *Aggregator {
	return &Aggregator{now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (a *Aggregator) WithNow(t time.Time) *Aggregator {
	a.now = func() time.Time { return t }
	return a
}

// AggregateData merges result into existing (which may be nil) and returns
// a new MergedData. Layers touched by this result are tagged with phaseLabel.
func (a *Aggregator) AggregateData(existing *model.MergedData, result *model.ScrapeResult, phaseLabel string) *model.MergedData {
	out := existing.Clone()
	if out == nil {
		out = &model.MergedData{
			Layers: make(map[model.Layer]model.LayerData),
			Phases: make(map[model.Layer]string),
		}
	}
	if result == nil {
		return out
	}

	for layer, incoming := range contributions(result) {
		if model.IsEmptyValue(map[string]any(incoming)) {
			continue
		}
		merge := mergerFor(layer)
		out.Layers[layer] = merge(out.Layers[layer], incoming)
		out.Phases[layer] = phaseLabel
	}
	out.UpdatedAt = a.now().UTC()
	return out
}

// CalculateDataPointsFromPages counts the discrete facts extracted from pages.
func (a *Aggregator) CalculateDataPointsFromPages(pages []model.Page) int {
	return DataPoints(pages)
}

// DataPoints counts list entries and populated structured fields across pages.
func DataPoints(pages []model.Page) int {
	total := 0
	for _, p := range pages {
		total += len(p.Paragraphs) + len(p.Headings) + len(p.Images) +
			len(p.Emails) + len(p.Phones) + len(p.Technologies)
		total += countLeaves(p.Fields)
	}
	return total
}

// contributions builds the per-layer increments carried by a result.
func contributions(result *model.ScrapeResult) map[model.Layer]model.LayerData {
	out := make(map[model.Layer]model.LayerData)
	contentLayer := result.ScraperType.ContentLayer()

	content := model.LayerData{}
	var pageURLs []any
	for _, p := range result.Pages {
		pageURLs = append(pageURLs, p.URL)
		appendList(content, "paragraphs", p.Paragraphs)
		appendList(content, "headings", p.Headings)
		appendList(content, "images", p.Images)
		appendList(content, "signals", p.Signals)
		if len(p.Emails) > 0 || len(p.Phones) > 0 {
			contact := ensureMap(content, "contact")
			appendList(contact, "emails", p.Emails)
			appendList(contact, "phones", p.Phones)
		}
		if len(p.Technologies) > 0 {
			if contentLayer == model.LayerSiteAnalysis {
				for _, name := range p.Technologies {
					content["technologies"] = append(asList(content["technologies"]), map[string]any{
						"name":       name,
						"category":   "",
						"confidence": string(model.ConfidenceProbable),
					})
				}
			} else {
				appendList(content, "technologies", p.Technologies)
			}
		}
		if len(p.Fields) > 0 {
			content = model.LayerData(mergeMaps(content, p.Fields, nil))
		}
	}
	if len(pageURLs) > 0 {
		content["pages"] = pageURLs
		content["pages_scraped"] = float64(len(result.Pages))
	}
	out[contentLayer] = content

	if len(result.Discovered) > 0 {
		site := out[model.LayerSiteAnalysis]
		if site == nil {
			site = model.LayerData{}
		}
		appendList(site, "sitemap_pages", result.Discovered)
		out[model.LayerSiteAnalysis] = site
	}

	if len(result.Enrichment) > 0 {
		out[model.LayerLLMEnriched] = model.LayerData(model.CloneMap(result.Enrichment))
	}
	return out
}

func appendList(m map[string]any, key string, values []string) {
	if len(values) == 0 {
		return
	}
	list := asList(m[key])
	for _, v := range values {
		list = append(list, v)
	}
	m[key] = list
}

func ensureMap(m map[string]any, key string) map[string]any {
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	sub := map[string]any{}
	m[key] = sub
	return sub
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}

func countLeaves(m map[string]any) int {
	n := 0
	for _, v := range m {
		switch t := v.(type) {
		case map[string]any:
			n += countLeaves(t)
		case []any, []string:
			n += len(asList(t))
		default:
			if !model.IsEmptyValue(v) {
				n++
			}
		}
	}
	return n
}
