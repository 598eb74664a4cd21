package cost

import (
	"github.com/sells-group/siteintel/internal/model"
)

// Rates holds per-scraper pricing and tier breakpoints.
type Rates struct {
	// PerPage is the cost of fetching one URL, keyed by scraper type.
	PerPage  map[string]float64 `yaml:"per_page" mapstructure:"per_page"`
	Overhead float64            `yaml:"overhead" mapstructure:"overhead"`
	Tiers    TierBreakpoints    `yaml:"tiers" mapstructure:"tiers"`
	// MaxPlausibleCost bounds any single routing estimate.
	MaxPlausibleCost float64 `yaml:"max_plausible_cost" mapstructure:"max_plausible_cost"`
}

// TierBreakpoints are the lower bounds of each paid tier.
type TierBreakpoints struct {
	Cheap     float64 `yaml:"cheap" mapstructure:"cheap"`
	Moderate  float64 `yaml:"moderate" mapstructure:"moderate"`
	Expensive float64 `yaml:"expensive" mapstructure:"expensive"`
}

// Calculator computes scrape costs.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the configured rates.
func (c *Calculator) Rates() Rates {
	return c.rates
}

// PageRate returns the per-URL cost for st, or 0 for unknown types.
func (c *Calculator) PageRate(st model.ScraperType) float64 {
	return c.rates.PerPage[string(st)]
}

// ProjectCost estimates the cost of running st over urlCount URLs.
func (c *Calculator) ProjectCost(st model.ScraperType, urlCount int, includeOverhead bool) float64 {
	if urlCount < 0 {
		urlCount = 0
	}
	total := c.PageRate(st) * float64(urlCount)
	if includeOverhead {
		total += c.rates.Overhead
	}
	return total
}

// Tier classifies a cumulative spend.
func (c *Calculator) Tier(total float64) model.CostTier {
	switch {
	case total < c.rates.Tiers.Cheap:
		return model.CostTierFree
	case total < c.rates.Tiers.Moderate:
		return model.CostTierCheap
	case total < c.rates.Tiers.Expensive:
		return model.CostTierModerate
	default:
		return model.CostTierExpensive
	}
}

// MaxPlausibleCost returns the upper bound for a single estimate.
func (c *Calculator) MaxPlausibleCost() float64 {
	if c.rates.MaxPlausibleCost <= 0 {
		return DefaultRates().MaxPlausibleCost
	}
	return c.rates.MaxPlausibleCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		PerPage: map[string]float64{
			string(model.ScraperStatic):  0.0001,
			string(model.ScraperAPI):     0.0002,
			string(model.ScraperDynamic): 0.001,
			string(model.ScraperSPA):     0.002,
			string(model.ScraperAI):      0.01,
		},
		Overhead: 0.001,
		Tiers: TierBreakpoints{
			Cheap:     0.005,
			Moderate:  0.05,
			Expensive: 0.5,
		},
		MaxPlausibleCost: 10,
	}
}
