// Package router recommends which scraper type a session should run next.
package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/siteintel/internal/cost"
	"github.com/sells-group/siteintel/internal/model"
)

// estimatePages is the page count routing cost estimates assume.
const estimatePages = 10

// affinity scores how well each scraper type suits a technology category.
// Missing entries score zero.
var affinity = map[string]map[model.ScraperType]float64{
	CategoryCMS: {
		model.ScraperStatic:  30,
		model.ScraperAPI:     20,
		model.ScraperDynamic: -10,
		model.ScraperSPA:     -20,
	},
	CategoryEcommerce: {
		model.ScraperAPI:     25,
		model.ScraperStatic:  15,
		model.ScraperDynamic: 10,
	},
	CategorySPAFramework: {
		model.ScraperSPA:     35,
		model.ScraperDynamic: 25,
		model.ScraperStatic:  -25,
	},
	CategorySSRFramework: {
		model.ScraperStatic:  20,
		model.ScraperDynamic: 15,
		model.ScraperSPA:     10,
	},
	CategorySiteBuilder: {
		model.ScraperDynamic: 30,
		model.ScraperStatic:  -15,
	},
}

// qualityBand is the potential of each scraper type below a quality ceiling.
type qualityBand struct {
	below     float64
	potential map[model.ScraperType]float64
}

var qualityBands = []qualityBand{
	{30, map[model.ScraperType]float64{
		model.ScraperStatic: 30, model.ScraperAPI: 25, model.ScraperDynamic: 20, model.ScraperSPA: 15, model.ScraperAI: 10,
	}},
	{60, map[model.ScraperType]float64{
		model.ScraperStatic: 15, model.ScraperAPI: 15, model.ScraperDynamic: 25, model.ScraperSPA: 20, model.ScraperAI: 20,
	}},
	{80, map[model.ScraperType]float64{
		model.ScraperStatic: 5, model.ScraperAPI: 10, model.ScraperDynamic: 20, model.ScraperSPA: 20, model.ScraperAI: 25,
	}},
	{math.Inf(1), map[model.ScraperType]float64{
		model.ScraperStatic: 2, model.ScraperAPI: 5, model.ScraperDynamic: 10, model.ScraperSPA: 10, model.ScraperAI: 15,
	}},
}

var baseGain = map[model.ScraperType]float64{
	model.ScraperStatic:  20,
	model.ScraperAPI:     15,
	model.ScraperDynamic: 25,
	model.ScraperSPA:     25,
	model.ScraperAI:      30,
}

// strongFit is the technology-fit score above which gain is boosted.
const strongFit = 25

// Router proposes the next scraper type for a session.
type Router struct {
	detector *Detector
	calc     *cost.Calculator
}

// New creates a Router.
func New(detector *Detector, calc *cost.Calculator) *Router {
	if detector == nil {
		detector = DefaultDetector()
	}
	return &Router{detector: detector, calc: calc}
}

// Detector returns the router's technology detector.
func (r *Router) Detector() *Detector {
	return r.detector
}

type scored struct {
	st        model.ScraperType
	techFit   float64
	potential float64
	total     float64
}

// GetRecommendation ranks the scraper types absent from history and returns
// the best one with up to three alternatives. It returns nil when every type
// has been used. Internal failures yield a fallback decision.
func (r *Router) GetRecommendation(domain string, quality float64, history []model.ScraperRun, data *model.MergedData) (dec *model.RoutingDecision) {
	used := model.UsedScraperTypes(history)
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("router: recommendation panicked, using fallback",
				zap.String("domain", domain),
				zap.Any("panic", p),
			)
			dec = r.fallbackDecision(used, fmt.Sprintf("routing failed: %v", p))
		}
	}()

	usedSet := make(map[model.ScraperType]bool, len(used))
	for _, st := range used {
		usedSet[st] = true
	}
	var candidates []model.ScraperType
	for _, st := range model.AllScraperTypes() {
		if !usedSet[st] {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	techs := r.detector.DetectTechnology(data)
	routable := routableTechs(techs)

	ranked := make([]scored, 0, len(candidates))
	for _, st := range candidates {
		s := scored{
			st:        st,
			techFit:   techFit(st, routable),
			potential: qualityPotential(st, quality),
		}
		s.total = s.techFit + s.potential + historyScore(st, history)
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].total != ranked[j].total {
			return ranked[i].total > ranked[j].total
		}
		return ranked[i].st.CostRank() < ranked[j].st.CostRank()
	})

	top := ranked[0]
	dec = &model.RoutingDecision{
		Recommended:          top.st,
		Score:                top.total,
		Confidence:           confidence(top.total, len(routable) > 0),
		EstimatedQualityGain: estimateGain(top.st, quality, top.techFit),
		EstimatedCost:        r.estimateCost(top.st),
		Technologies:         techs,
	}
	for _, alt := range ranked[1:] {
		if len(dec.Alternatives) == 3 {
			break
		}
		dec.Alternatives = append(dec.Alternatives, model.Alternative{ScraperType: alt.st, Score: alt.total})
	}
	dec.Reasoning = reasoning(top, quality, routable, len(candidates))

	if err := r.ValidateDecision(dec); err != nil {
		zap.L().Warn("router: invalid decision, using fallback",
			zap.String("domain", domain),
			zap.Error(err),
		)
		return r.fallbackDecision(used, err.Error())
	}
	return dec
}

// GetFallbackScraper returns the cheapest scraper type not in used, or ""
// when all have run.
func (r *Router) GetFallbackScraper(used []model.ScraperType) model.ScraperType {
	usedSet := make(map[model.ScraperType]bool, len(used))
	for _, st := range used {
		usedSet[st] = true
	}
	for _, st := range model.AllScraperTypes() {
		if !usedSet[st] {
			return st
		}
	}
	return ""
}

// ValidateDecision rejects decisions naming an unknown scraper type, an
// implausible cost, or a quality gain outside [0, 100].
func (r *Router) ValidateDecision(d *model.RoutingDecision) error {
	if d == nil {
		return eris.New("router: nil decision")
	}
	if !d.Recommended.Valid() {
		return eris.Errorf("router: unknown scraper type %q", d.Recommended)
	}
	if d.EstimatedCost < 0 || d.EstimatedCost > r.maxCost() {
		return eris.Errorf("router: implausible cost %.4f", d.EstimatedCost)
	}
	if d.EstimatedQualityGain < 0 || d.EstimatedQualityGain > 100 {
		return eris.Errorf("router: quality gain %.1f outside [0,100]", d.EstimatedQualityGain)
	}
	return nil
}

func (r *Router) fallbackDecision(used []model.ScraperType, why string) *model.RoutingDecision {
	st := r.GetFallbackScraper(used)
	if st == "" {
		return nil
	}
	return &model.RoutingDecision{
		Recommended:   st,
		Confidence:    0.3,
		Reasoning:     []string{why, fmt.Sprintf("falling back to cheapest unused scraper %s", st)},
		EstimatedCost: r.estimateCost(st),
		Fallback:      true,
	}
}

func (r *Router) estimateCost(st model.ScraperType) float64 {
	if r.calc == nil {
		return 0
	}
	return r.calc.ProjectCost(st, estimatePages, true)
}

func (r *Router) maxCost() float64 {
	if r.calc == nil {
		return cost.DefaultRates().MaxPlausibleCost
	}
	return r.calc.MaxPlausibleCost()
}

// routableTechs keeps the technologies whose category moves routing.
func routableTechs(techs []model.Technology) []model.Technology {
	var out []model.Technology
	for _, t := range techs {
		if _, ok := affinity[t.Category]; ok {
			out = append(out, t)
		}
	}
	return out
}

// techFit sums category affinities scaled by detection confidence. With no
// routable technology, cheaper types are preferred.
func techFit(st model.ScraperType, techs []model.Technology) float64 {
	if len(techs) == 0 {
		return 20 - 5*float64(st.CostRank())
	}
	var fit float64
	for _, t := range techs {
		fit += affinity[t.Category][st] * t.Confidence.Weight()
	}
	return fit
}

func qualityPotential(st model.ScraperType, quality float64) float64 {
	for _, b := range qualityBands {
		if quality < b.below {
			return b.potential[st]
		}
	}
	return 0
}

// historyScore is reserved for per-type success history and is neutral.
func historyScore(model.ScraperType, []model.ScraperRun) float64 {
	return 0
}

func confidence(score float64, techDetected bool) float64 {
	c := math.Min(math.Max(score/80, 0.2), 0.9)
	if techDetected {
		c += 0.1
	} else {
		c -= 0.05
	}
	c = math.Min(math.Max(c, 0.1), 0.95)
	return math.Round(c*100) / 100
}

// estimateGain shrinks as existing quality rises and never exceeds the
// remaining gap. Cost estimates are independent of quality.
func estimateGain(st model.ScraperType, quality, fit float64) float64 {
	gain := baseGain[st]
	switch {
	case quality >= 80:
		gain *= 0.3
	case quality >= 60:
		gain *= 0.6
	}
	if fit >= strongFit {
		gain *= 1.2
	}
	gap := math.Max(0, 100-quality)
	return math.Round(math.Min(gain, gap)*10) / 10
}

func reasoning(top scored, quality float64, techs []model.Technology, candidates int) []string {
	var out []string
	if len(techs) == 0 {
		out = append(out, "no routing-relevant technology detected; preferring cheaper scrapers")
	} else {
		for _, t := range techs {
			out = append(out, fmt.Sprintf("detected %s (%s, %s)", t.Name, t.Category, t.Confidence))
		}
	}
	out = append(out,
		fmt.Sprintf("technology fit %+.1f", top.techFit),
		fmt.Sprintf("quality potential %+.1f at current quality %.0f", top.potential, quality),
		fmt.Sprintf("best of %d unused scraper types", candidates),
	)
	return out
}
