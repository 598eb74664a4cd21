package aggregate

import (
	"fmt"
	"strings"

	"github.com/sells-group/siteintel/internal/model"
)

// maxListLen bounds any single merged list. Existing entries are never
// dropped; only further appends stop.
const maxListLen = 2000

type mergeOpts struct {
	// counters are summed rather than replaced.
	counters map[string]bool
	// rankByName dedupes map entries on "name" and keeps the entry with the
	// strongest confidence.
	rankByName bool
}

type layerMerger func(existing, incoming model.LayerData) model.LayerData

var layerMergers = map[model.Layer]layerMerger{
	model.LayerSiteAnalysis: func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, &mergeOpts{
			counters:   map[string]bool{"pages_scraped": true, "pages_analyzed": true},
			rankByName: true,
		}))
	},
	model.LayerStaticContent: func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, &mergeOpts{
			counters: map[string]bool{"pages_scraped": true},
		}))
	},
	model.LayerDynamicContent: func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, &mergeOpts{
			counters: map[string]bool{"pages_scraped": true},
		}))
	},
	model.LayerAIExtracted: func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, &mergeOpts{
			counters: map[string]bool{"pages_scraped": true},
		}))
	},
	model.LayerLLMEnriched: func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, nil))
	},
}

func mergerFor(l model.Layer) layerMerger {
	if m, ok := layerMergers[l]; ok {
		return m
	}
	return func(e, in model.LayerData) model.LayerData {
		return model.LayerData(mergeMaps(e, in, nil))
	}
}

// mergeMaps returns a new map holding existing refined by incoming.
func mergeMaps(existing, incoming map[string]any, opts *mergeOpts) map[string]any {
	out := model.CloneMap(existing)
	if out == nil {
		out = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		out[k] = mergeValue(k, out[k], v, opts)
	}
	return out
}

func mergeValue(key string, old, incoming any, opts *mergeOpts) any {
	if model.IsEmptyValue(incoming) {
		return old
	}
	if model.IsEmptyValue(old) {
		return model.CloneValue(incoming)
	}

	if opts != nil && opts.counters[key] {
		a, aok := toFloat(old)
		b, bok := toFloat(incoming)
		if aok && bok {
			return a + b
		}
	}

	oldMap, oldIsMap := asObject(old)
	newMap, newIsMap := asObject(incoming)
	switch {
	case oldIsMap && newIsMap:
		return mergeMaps(oldMap, newMap, opts)
	case oldIsMap || newIsMap:
		// An object is never replaced by a scalar or vice versa.
		return old
	}

	if isList(old) || isList(incoming) {
		return unionLists(asList(old), asList(incoming), opts != nil && opts.rankByName)
	}

	return incoming
}

// unionLists appends unseen entries of b to a copy of a.
func unionLists(a, b []any, rankByName bool) []any {
	out := make([]any, 0, len(a)+len(b))
	index := make(map[string]int, len(a)+len(b))
	for _, v := range a {
		k := entryKey(v)
		if _, dup := index[k]; dup {
			continue
		}
		index[k] = len(out)
		out = append(out, model.CloneValue(v))
	}
	for _, v := range b {
		if model.IsEmptyValue(v) {
			continue
		}
		k := entryKey(v)
		if i, dup := index[k]; dup {
			if rankByName && stronger(v, out[i]) {
				out[i] = model.CloneValue(v)
			}
			continue
		}
		if len(out) >= maxListLen {
			continue
		}
		index[k] = len(out)
		out = append(out, model.CloneValue(v))
	}
	return out
}

func entryKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + strings.ToLower(strings.TrimSpace(t))
	case map[string]any:
		if name, ok := t["name"].(string); ok && name != "" {
			return "n:" + strings.ToLower(strings.TrimSpace(name))
		}
		if u, ok := t["url"].(string); ok && u != "" {
			return "u:" + u
		}
	}
	return fmt.Sprintf("v:%v", v)
}

func stronger(candidate, current any) bool {
	return confidenceOf(candidate) > confidenceOf(current)
}

func confidenceOf(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	c, _ := m["confidence"].(string)
	return model.Confidence(c).Weight()
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case model.LayerData:
		return t, true
	}
	return nil, false
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []map[string]any:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}
