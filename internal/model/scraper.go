package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ScraperType identifies a fetch/extract strategy with its own cost and
// capability profile.
type ScraperType string

const (
	ScraperStatic  ScraperType = "static"
	ScraperAPI     ScraperType = "api"
	ScraperDynamic ScraperType = "dynamic"
	ScraperSPA     ScraperType = "spa"
	ScraperAI      ScraperType = "ai"
)

// AllScraperTypes returns every scraper type, cheapest first.
func AllScraperTypes() []ScraperType {
	return []ScraperType{
		ScraperStatic,
		ScraperAPI,
		ScraperDynamic,
		ScraperSPA,
		ScraperAI,
	}
}

// Valid reports whether t is a known scraper type.
func (t ScraperType) Valid() bool {
	switch t {
	case ScraperStatic, ScraperAPI, ScraperDynamic, ScraperSPA, ScraperAI:
		return true
	}
	return false
}

// CostRank returns the position of t in the cheapest-first ordering, or -1.
func (t ScraperType) CostRank() int {
	for i, st := range AllScraperTypes() {
		if st == t {
			return i
		}
	}
	return -1
}

// ParseScraperType normalizes a user-supplied scraper id.
func ParseScraperType(s string) (ScraperType, error) {
	t := ScraperType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "basic", "http":
		t = ScraperStatic
	case "browser", "js":
		t = ScraperDynamic
	case "ai_powered", "reader":
		t = ScraperAI
	}
	if !t.Valid() {
		return "", eris.Errorf("unknown scraper type %q", s)
	}
	return t, nil
}

// Layer is a named partition of merged data populated by a specific
// scraping capability.
type Layer string

const (
	LayerSiteAnalysis   Layer = "site_analysis"
	LayerStaticContent  Layer = "static_content"
	LayerDynamicContent Layer = "dynamic_content"
	LayerAIExtracted    Layer = "ai_extracted"
	LayerLLMEnriched    Layer = "llm_enriched"
)

// AllLayers returns the data layers in pipeline order.
func AllLayers() []Layer {
	return []Layer{
		LayerSiteAnalysis,
		LayerStaticContent,
		LayerDynamicContent,
		LayerAIExtracted,
		LayerLLMEnriched,
	}
}

// ContentLayer returns the layer a scraper type's page content is merged into.
func (t ScraperType) ContentLayer() Layer {
	switch t {
	case ScraperDynamic, ScraperSPA:
		return LayerDynamicContent
	case ScraperAI:
		return LayerAIExtracted
	case ScraperAPI:
		return LayerSiteAnalysis
	default:
		return LayerStaticContent
	}
}
