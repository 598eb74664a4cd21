package model

// QualityLevel buckets the overall quality score.
type QualityLevel string

const (
	QualityLow       QualityLevel = "LOW"
	QualityMedium    QualityLevel = "MEDIUM"
	QualityHigh      QualityLevel = "HIGH"
	QualityExcellent QualityLevel = "EXCELLENT"
)

// LevelForScore maps a 0-100 score to its level.
func LevelForScore(score float64) QualityLevel {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 70:
		return QualityHigh
	case score >= 50:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Priority orders scraper recommendations.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable rank; lower ranks come first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// Recommendation proposes a scraper to close quality gaps.
type Recommendation struct {
	ScraperType          ScraperType `json:"scraper_type"`
	Priority             Priority    `json:"priority"`
	Reason               string      `json:"reason"`
	EstimatedImprovement float64     `json:"estimated_improvement"`
	TargetFields         []string    `json:"target_fields,omitempty"`
}

// QualityMetrics is derived on demand and never persisted.
type QualityMetrics struct {
	FieldCoverage   float64          `json:"field_coverage"`
	ContentDepth    float64          `json:"content_depth"`
	DataFreshness   float64          `json:"data_freshness"`
	SourceQuality   float64          `json:"source_quality"`
	OverallScore    float64          `json:"overall_score"`
	Level           QualityLevel     `json:"level"`
	MissingFields   []string         `json:"missing_fields"`
	Recommendations []Recommendation `json:"recommendations"`
}
