package quality

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/siteintel/internal/model"
)

// improvementCaps bounds the estimated improvement per scraper type.
var improvementCaps = map[model.ScraperType]float64{
	model.ScraperStatic:  30,
	model.ScraperAPI:     20,
	model.ScraperDynamic: 40,
	model.ScraperSPA:     40,
	model.ScraperAI:      50,
}

// reachable lists the field groups each scraper type can plausibly fill.
// A nil entry means every group.
var reachable = map[model.ScraperType]map[model.FieldGroup]bool{
	model.ScraperStatic: {
		model.FieldGroupCompany:   true,
		model.FieldGroupContact:   true,
		model.FieldGroupSocial:    true,
		model.FieldGroupOfferings: true,
	},
	model.ScraperAPI: {
		model.FieldGroupCompany: true,
		model.FieldGroupSocial:  true,
		model.FieldGroupTech:    true,
	},
	model.ScraperDynamic: {
		model.FieldGroupContact:   true,
		model.FieldGroupSocial:    true,
		model.FieldGroupTech:      true,
		model.FieldGroupOfferings: true,
		model.FieldGroupTeam:      true,
	},
	model.ScraperSPA: {
		model.FieldGroupContact:   true,
		model.FieldGroupSocial:    true,
		model.FieldGroupTech:      true,
		model.FieldGroupOfferings: true,
		model.FieldGroupTeam:      true,
	},
	model.ScraperAI: nil,
}

// Static can't infer these from markup alone.
var staticUnreachable = map[string]bool{
	"company.founded": true,
	"company.size":    true,
}

// GenerateRecommendations proposes unused scrapers in priority order:
// static, then dynamic, then AI.
func (a *Assessor) GenerateRecommendations(score float64, missing []string, used []model.ScraperType) []model.Recommendation {
	usedSet := toSet(used)
	recs := []model.Recommendation{}

	if !usedSet[model.ScraperStatic] && score < 90 {
		targets := a.fillable(model.ScraperStatic, missing)
		recs = append(recs, model.Recommendation{
			ScraperType:          model.ScraperStatic,
			Priority:             model.PriorityHigh,
			Reason:               "static extraction is cheap and fills core company and contact fields",
			EstimatedImprovement: a.improvement(model.ScraperStatic, targets),
			TargetFields:         targets,
		})
	}

	contactMissing := anyPrefix(missing, "contact.")
	techMissing := anyPrefix(missing, "technologies")
	socialMissing := anyPrefix(missing, "social.")
	if !usedSet[model.ScraperDynamic] && (contactMissing || techMissing || socialMissing || score < 70) {
		priority := model.PriorityMedium
		if contactMissing {
			priority = model.PriorityHigh
		}
		targets := a.fillable(model.ScraperDynamic, missing)
		recs = append(recs, model.Recommendation{
			ScraperType:          model.ScraperDynamic,
			Priority:             priority,
			Reason:               dynamicReason(contactMissing, techMissing, socialMissing, score),
			EstimatedImprovement: a.improvement(model.ScraperDynamic, targets),
			TargetFields:         targets,
		})
	}

	if !usedSet[model.ScraperAI] && score < 80 {
		targets := a.fillable(model.ScraperAI, missing)
		recs = append(recs, model.Recommendation{
			ScraperType:          model.ScraperAI,
			Priority:             model.PriorityLow,
			Reason:               "AI extraction can infer fields that are not present as structured markup",
			EstimatedImprovement: a.improvement(model.ScraperAI, targets),
			TargetFields:         targets,
		})
	}
	return recs
}

func dynamicReason(contact, tech, social bool, score float64) string {
	var gaps []string
	if contact {
		gaps = append(gaps, "contact")
	}
	if tech {
		gaps = append(gaps, "technology")
	}
	if social {
		gaps = append(gaps, "social")
	}
	if len(gaps) == 0 {
		return fmt.Sprintf("quality score %.0f is below 70; rendered content usually adds depth", score)
	}
	return fmt.Sprintf("missing %s fields are often rendered client-side", strings.Join(gaps, "/"))
}

// fillable filters missing down to the fields st can fill.
func (a *Assessor) fillable(st model.ScraperType, missing []string) []string {
	groups := reachable[st]
	out := []string{}
	for _, path := range missing {
		f := a.fields.ByPath(path)
		if f == nil {
			continue
		}
		if groups != nil && !groups[f.Group] {
			continue
		}
		if st == model.ScraperStatic && staticUnreachable[path] {
			continue
		}
		out = append(out, path)
	}
	return out
}

func (a *Assessor) improvement(st model.ScraperType, targets []string) float64 {
	var sum float64
	for _, path := range targets {
		if f := a.fields.ByPath(path); f != nil {
			sum += f.Impact
		}
	}
	if c, ok := improvementCaps[st]; ok {
		sum = math.Min(sum, c)
	}
	return sum
}

func anyPrefix(paths []string, prefix string) bool {
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
