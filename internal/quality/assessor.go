// Package quality scores a session's merged data and proposes scrapers that
// would close its gaps.
package quality

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/model"
)

// Sub-score weights for the overall score.
const (
	weightCoverage  = 0.40
	weightDepth     = 0.25
	weightFreshness = 0.15
	weightSource    = 0.20
)

// depthRule rewards volume at a dotted path within one layer.
type depthRule struct {
	layer  model.Layer
	path   string
	points float64
	cap    float64
}

var depthRules = []depthRule{
	{model.LayerStaticContent, "paragraphs", 1, 25},
	{model.LayerStaticContent, "images", 1, 15},
	{model.LayerStaticContent, "headings", 1, 15},
	{model.LayerDynamicContent, "contact.emails", 5, 15},
	{model.LayerDynamicContent, "contact.phones", 5, 10},
	{model.LayerDynamicContent, "technologies", 2, 20},
}

var layerSourcePoints = map[model.Layer]float64{
	model.LayerSiteAnalysis:   15,
	model.LayerStaticContent:  20,
	model.LayerDynamicContent: 25,
	model.LayerAIExtracted:    25,
	model.LayerLLMEnriched:    15,
}

// SessionReader loads the state an assessment needs.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetScrapingHistory(ctx context.Context, sessionID string) ([]model.ScraperRun, error)
}

// Assessor computes QualityMetrics.
type Assessor struct {
	reader SessionReader
	fields *model.FieldRegistry
	now    func() time.Time
}

// NewAssessor creates an Assessor over the default business field list.
// reader may be nil when only Assess is used.
func NewAssessor(reader SessionReader) *Assessor {
	return &Assessor{
		reader: reader,
		fields: model.DefaultBusinessFields(),
		now:    time.Now,
	}
}

// WithNow sets the clock used for freshness.
func (a *Assessor) WithNow(now func() time.Time) *Assessor {
	a.now = now
	return a
}

// WithFields replaces the required field list.
func (a *Assessor) WithFields(fields *model.FieldRegistry) *Assessor {
	a.fields = fields
	return a
}

// CalculateQualityScore loads a session and its run history and assesses it.
func (a *Assessor) CalculateQualityScore(ctx context.Context, sessionID string) (*model.QualityMetrics, error) {
	if a.reader == nil {
		return nil, eris.New("quality: no session reader configured")
	}
	sess, err := a.reader.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "quality: load session %s", sessionID)
	}
	history, err := a.reader.GetScrapingHistory(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "quality: load history %s", sessionID)
	}
	return a.Assess(&sess.Data, model.UsedScraperTypes(history)), nil
}

// Assess scores data. The result depends only on data, used and the clock.
func (a *Assessor) Assess(data *model.MergedData, used []model.ScraperType) *model.QualityMetrics {
	if data.IsEmpty() {
		return a.emptyMetrics(used)
	}

	m := &model.QualityMetrics{
		FieldCoverage: a.fieldCoverage(data),
		ContentDepth:  contentDepth(data),
		DataFreshness: freshness(data.UpdatedAt, a.now()),
		SourceQuality: sourceQuality(data),
	}
	m.OverallScore = math.Round(weightCoverage*m.FieldCoverage +
		weightDepth*m.ContentDepth +
		weightFreshness*m.DataFreshness +
		weightSource*m.SourceQuality)
	m.Level = model.LevelForScore(m.OverallScore)
	m.MissingFields = a.FindMissingFields(data)
	m.Recommendations = a.GenerateRecommendations(m.OverallScore, m.MissingFields, used)
	return m
}

// emptyMetrics is the fixed result for a session with no data: every field
// missing and a single recommendation for the cheapest unused scraper.
func (a *Assessor) emptyMetrics(used []model.ScraperType) *model.QualityMetrics {
	missing := a.fields.Paths()
	m := &model.QualityMetrics{
		Level:           model.QualityLow,
		MissingFields:   missing,
		Recommendations: []model.Recommendation{},
	}
	usedSet := toSet(used)
	for _, st := range model.AllScraperTypes() {
		if usedSet[st] {
			continue
		}
		targets := a.fillable(st, missing)
		m.Recommendations = append(m.Recommendations, model.Recommendation{
			ScraperType:          st,
			Priority:             model.PriorityHigh,
			Reason:               "no data collected yet; start with the cheapest scraper",
			EstimatedImprovement: a.improvement(st, targets),
			TargetFields:         targets,
		})
		break
	}
	return m
}

// FindMissingFields returns the required field paths with no non-empty value
// in any layer, in registry order.
func (a *Assessor) FindMissingFields(data *model.MergedData) []string {
	missing := []string{}
	for _, f := range a.fields.Fields {
		if !data.Has(f.Path) {
			missing = append(missing, f.Path)
		}
	}
	return missing
}

func (a *Assessor) fieldCoverage(data *model.MergedData) float64 {
	total := a.fields.TotalWeight()
	if total == 0 {
		return 0
	}
	var present float64
	for _, f := range a.fields.Fields {
		if data.Has(f.Path) {
			present += f.Weight
		}
	}
	return present / total * 100
}

func contentDepth(data *model.MergedData) float64 {
	var score float64
	for _, r := range depthRules {
		n := float64(data.Layer(r.layer).Count(r.path))
		score += math.Min(n*r.points, r.cap)
	}
	return math.Min(score, 100)
}

// freshness is a step function of the age of the last update. A zero
// timestamp is treated as stale.
func freshness(updated, now time.Time) float64 {
	if updated.IsZero() {
		return 10
	}
	age := now.Sub(updated)
	switch {
	case age < time.Hour:
		return 100
	case age < 24*time.Hour:
		return 90
	case age < 7*24*time.Hour:
		return 75
	case age < 30*24*time.Hour:
		return 50
	case age < 90*24*time.Hour:
		return 25
	default:
		return 10
	}
}

func sourceQuality(data *model.MergedData) float64 {
	populated := data.PopulatedLayers()
	var score float64
	for _, l := range populated {
		score += layerSourcePoints[l]
	}
	if len(populated) >= 2 {
		score += 10
	}
	if len(populated) >= 3 {
		score += 10
	}
	return math.Min(score, 100)
}

func toSet(types []model.ScraperType) map[model.ScraperType]bool {
	out := make(map[model.ScraperType]bool, len(types))
	for _, t := range types {
		out[t] = true
	}
	return out
}
