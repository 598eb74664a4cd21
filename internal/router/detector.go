package router

import (
	"sort"
	"strings"

	"github.com/sells-group/siteintel/internal/model"
)

// corpusKeys are the layer keys whose strings are scanned for signatures.
var corpusKeys = []string{"signals", "html_samples", "paragraphs", "headings", "images"}

// corpusLayers are scanned in this order.
var corpusLayers = []model.Layer{model.LayerStaticContent, model.LayerDynamicContent}

// Detector infers a site's technology stack.
type Detector struct {
	signatures []compiledSignature
	categories map[string]string
}

// NewDetector compiles sigs into a Detector.
func NewDetector(sigs []Signature) (*Detector, error) {
	compiled, err := compileSignatures(sigs)
	if err != nil {
		return nil, err
	}
	return newDetector(compiled), nil
}

// DefaultDetector returns a Detector over DefaultSignatures.
func DefaultDetector() *Detector {
	d, err := NewDetector(DefaultSignatures())
	if err != nil {
		panic(err) // built-in table is static
	}
	return d
}

func newDetector(compiled []compiledSignature) *Detector {
	d := &Detector{
		signatures: compiled,
		categories: make(map[string]string, len(compiled)),
	}
	for _, s := range compiled {
		d.categories[strings.ToLower(s.name)] = s.category
	}
	return d
}

// DetectTechnology returns the technologies recorded in the site-analysis
// layer when there are any, and otherwise matches the signature table
// against static and dynamic content. Results are deduplicated by name and
// ordered by confidence, then name.
func (d *Detector) DetectTechnology(data *model.MergedData) []model.Technology {
	if known := d.fromSiteAnalysis(data); len(known) > 0 {
		return rank(known)
	}

	corpus := buildCorpus(data)
	if corpus == "" {
		return nil
	}

	var found []model.Technology
	for _, sig := range d.signatures {
		matched := 0
		for _, re := range sig.patterns {
			if re.MatchString(corpus) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		found = append(found, model.Technology{
			Name:       sig.name,
			Category:   sig.category,
			Confidence: confidenceFor(float64(matched) / float64(len(sig.patterns))),
		})
	}
	return rank(found)
}

func (d *Detector) fromSiteAnalysis(data *model.MergedData) []model.Technology {
	raw, ok := data.Layer(model.LayerSiteAnalysis).Lookup("technologies")
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		if strs, isStrs := raw.([]string); isStrs {
			for _, s := range strs {
				list = append(list, s)
			}
		}
	}

	var out []model.Technology
	for _, entry := range list {
		var tech model.Technology
		switch e := entry.(type) {
		case string:
			tech = model.Technology{Name: e, Confidence: model.ConfidenceProbable}
		case map[string]any:
			tech.Name, _ = e["name"].(string)
			tech.Category, _ = e["category"].(string)
			c, _ := e["confidence"].(string)
			tech.Confidence = model.Confidence(c)
			if tech.Confidence.Weight() == 0 {
				tech.Confidence = model.ConfidenceProbable
			}
		default:
			continue
		}
		tech.Name = strings.TrimSpace(tech.Name)
		if tech.Name == "" {
			continue
		}
		if tech.Category == "" {
			tech.Category = d.categories[strings.ToLower(tech.Name)]
		}
		out = append(out, tech)
	}
	return out
}

// confidenceFor maps a matched-pattern fraction to a tier.
func confidenceFor(fraction float64) model.Confidence {
	switch {
	case fraction >= 0.75:
		return model.ConfidenceCertain
	case fraction >= 0.5:
		return model.ConfidenceProbable
	case fraction >= 0.25:
		return model.ConfidencePossible
	default:
		return model.ConfidenceUncertain
	}
}

// rank dedupes by case-insensitive name keeping the strongest confidence,
// then sorts by confidence desc and name asc.
func rank(techs []model.Technology) []model.Technology {
	best := make(map[string]model.Technology, len(techs))
	for _, t := range techs {
		key := strings.ToLower(t.Name)
		if cur, ok := best[key]; !ok || t.Confidence.Weight() > cur.Confidence.Weight() {
			if ok && t.Category == "" {
				t.Category = cur.Category
			}
			best[key] = t
		}
	}
	out := make([]model.Technology, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Confidence.Weight(), out[j].Confidence.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func buildCorpus(data *model.MergedData) string {
	var b strings.Builder
	for _, l := range corpusLayers {
		layer := data.Layer(l)
		for _, key := range corpusKeys {
			for _, s := range layer.Strings(key) {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}
