package model

// Confidence is the detection confidence tier for a technology.
type Confidence string

const (
	ConfidenceCertain   Confidence = "CERTAIN"
	ConfidenceProbable  Confidence = "PROBABLE"
	ConfidencePossible  Confidence = "POSSIBLE"
	ConfidenceUncertain Confidence = "UNCERTAIN"
)

// Weight converts the tier to a 0-1 multiplier.
func (c Confidence) Weight() float64 {
	switch c {
	case ConfidenceCertain:
		return 1.0
	case ConfidenceProbable:
		return 0.75
	case ConfidencePossible:
		return 0.5
	case ConfidenceUncertain:
		return 0.25
	}
	return 0
}

// Technology is a detected element of a site's stack.
type Technology struct {
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Confidence Confidence `json:"confidence"`
}

// Alternative is a runner-up scraper in a routing decision.
type Alternative struct {
	ScraperType ScraperType `json:"scraper_type"`
	Score       float64     `json:"score"`
}

// RoutingDecision is an advisory, freshly computed next-scraper proposal.
type RoutingDecision struct {
	Recommended          ScraperType   `json:"recommended"`
	Score                float64       `json:"score"`
	Confidence           float64       `json:"confidence"`
	Reasoning            []string      `json:"reasoning"`
	Alternatives         []Alternative `json:"alternatives,omitempty"`
	EstimatedQualityGain float64       `json:"estimated_quality_gain"`
	EstimatedCost        float64       `json:"estimated_cost"`
	Technologies         []Technology  `json:"technologies,omitempty"`
	Fallback             bool          `json:"fallback,omitempty"`
}
