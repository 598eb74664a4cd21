package scrape

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/siteintel/internal/model"
)

const (
	minParagraphLen = 25
	maxParagraphs   = 60
	maxSignals      = 200
	maxTextLen      = 20000
)

var (
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	generatorRe = regexp.MustCompile(`^([A-Za-z][A-Za-z .]*?)(?:\s+v?\d[\d.]*)?$`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// markerPrefixes are attribute name prefixes that identify front-end
// frameworks in rendered markup.
var markerPrefixes = []string{"data-reactroot", "data-v-", "ng-", "data-wf-", "data-drupal-", "data-server-rendered"}

// markerIDs are element ids frameworks mount onto.
var markerIDs = map[string]bool{"__next": true, "__nuxt": true, "___gatsby": true, "__NEXT_DATA__": true}

var socialHosts = map[string]string{
	"linkedin.com":  "linkedin",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"facebook.com":  "facebook",
	"instagram.com": "instagram",
	"youtube.com":   "youtube",
}

// Extract parses an HTML document into a Page. pageURL resolves relative
// links.
func Extract(pageURL string, status int, body []byte) (*model.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse html %s", pageURL)
	}
	x, err := newExtraction(pageURL, status)
	if err != nil {
		return nil, err
	}
	// content strips script tags, so it runs last.
	x.structured(doc)
	x.meta(doc)
	x.links(doc)
	x.markers(doc)
	x.content(doc)
	x.finish()
	return x.page, nil
}

type extraction struct {
	page    *model.Page
	base    *url.URL
	seen    map[string]bool
	fields  map[string]any
	signals map[string]bool
}

func newExtraction(pageURL string, status int) (*extraction, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse url %s", pageURL)
	}
	return &extraction{
		page: &model.Page{
			URL:        pageURL,
			StatusCode: status,
			FetchedAt:  time.Now().UTC(),
		},
		base:    base,
		seen:    make(map[string]bool),
		fields:  make(map[string]any),
		signals: make(map[string]bool),
	}, nil
}

func (x *extraction) meta(doc *goquery.Document) {
	x.page.Title = clean(doc.Find("title").First().Text())
	x.page.Description = metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`)

	if gen := metaContent(doc, `meta[name="generator"]`); gen != "" {
		x.signal("meta generator: " + gen)
		if m := generatorRe.FindStringSubmatch(gen); m != nil {
			x.page.Technologies = appendUnique(x.page.Technologies, strings.TrimSpace(m[1]))
		}
	}
	if site := metaContent(doc, `meta[property="og:site_name"]`); site != "" {
		setField(x.fields, "company.name", site)
	}
	if x.page.Description != "" {
		setField(x.fields, "company.description", x.page.Description)
	}

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if abs := x.resolve(src); abs != "" {
			x.signal("script:" + abs)
		}
	})
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs := x.resolve(href); abs != "" {
			x.signal("link:" + abs)
		}
	})
}

func (x *extraction) content(doc *goquery.Document) {
	body := doc.Find("body")
	body.Find("script, style, noscript, template").Remove()

	body.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if h := clean(s.Text()); h != "" {
			x.page.Headings = appendUnique(x.page.Headings, h)
		}
	})
	body.Find("p").Each(func(_ int, s *goquery.Selection) {
		if len(x.page.Paragraphs) >= maxParagraphs {
			return
		}
		if p := clean(s.Text()); len(p) >= minParagraphLen {
			x.page.Paragraphs = appendUnique(x.page.Paragraphs, p)
		}
	})
	body.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src = x.resolve(src); src != "" && !strings.HasPrefix(src, "data:") {
			x.page.Images = appendUnique(x.page.Images, src)
		}
	})

	text := clean(body.Text())
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	x.page.Text = text
	for _, e := range emailRe.FindAllString(text, -1) {
		x.addEmail(e)
	}
}

func (x *extraction) links(doc *goquery.Document) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		switch {
		case strings.HasPrefix(strings.ToLower(href), "mailto:"):
			addr := strings.SplitN(href[len("mailto:"):], "?", 2)[0]
			x.addEmail(addr)
			return
		case strings.HasPrefix(strings.ToLower(href), "tel:"):
			x.addPhone(href[len("tel:"):])
			return
		}
		if abs := x.resolve(href); abs != "" {
			x.classifyLink(abs)
		}
	})
}

// classifyLink files an absolute URL as a social profile or a same-host
// link. Other hosts are dropped.
func (x *extraction) classifyLink(abs string) {
	u, err := url.Parse(abs)
	if err != nil {
		return
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if network, ok := socialHosts[host]; ok && strings.Trim(u.Path, "/") != "" {
		setField(x.fields, "social."+network, abs)
		return
	}
	if strings.EqualFold(u.Hostname(), x.base.Hostname()) {
		u.Fragment = ""
		x.page.Links = appendUnique(x.page.Links, u.String())
	}
}

// markers records framework fingerprints from attributes and mount points.
func (x *extraction) markers(doc *goquery.Document) {
	if v, ok := doc.Find("[ng-version]").First().Attr("ng-version"); ok {
		x.signal("attr:ng-version=" + v)
	}
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if len(x.signals) >= maxSignals {
			return
		}
		for _, n := range s.Nodes {
			for _, a := range n.Attr {
				switch {
				case a.Key == "id" && markerIDs[a.Val]:
					x.signal("attr:id=" + a.Val)
				case a.Key == "class":
					for _, c := range strings.Fields(a.Val) {
						if strings.HasPrefix(c, "svelte-") {
							x.signal("attr:class=" + c)
						}
					}
				default:
					for _, p := range markerPrefixes {
						if strings.HasPrefix(a.Key, p) {
							x.signal("attr:" + a.Key)
						}
					}
				}
			}
		}
	})
}

// structured reads schema.org JSON-LD blocks.
func (x *extraction) structured(doc *goquery.Document) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(s.Text()), &raw); err != nil {
			return
		}
		for _, node := range ldNodes(raw) {
			x.ldNode(node)
		}
	})
}

func (x *extraction) ldNode(n map[string]any) {
	types := ldTypes(n)
	name := ldString(n["name"])
	switch {
	case types["Organization"] || types["Corporation"] || types["LocalBusiness"] || types["ProfessionalService"]:
		setField(x.fields, "company.name", name)
		setField(x.fields, "company.description", ldString(n["description"]))
		setField(x.fields, "company.founded", ldString(n["foundingDate"]))
		setField(x.fields, "company.industry", ldString(n["industry"]))
		if size := ldSize(n["numberOfEmployees"]); size != "" {
			setField(x.fields, "company.size", size)
		}
		if addr, loc := ldAddress(n["address"]); addr != "" {
			setField(x.fields, "contact.address", addr)
			setField(x.fields, "company.location", loc)
		}
		for _, e := range ldStrings(n["email"]) {
			x.addEmail(strings.TrimPrefix(e, "mailto:"))
		}
		for _, p := range ldStrings(n["telephone"]) {
			x.addPhone(p)
		}
		for _, same := range ldStrings(n["sameAs"]) {
			if u, err := url.Parse(same); err == nil {
				host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
				if network, ok := socialHosts[host]; ok {
					setField(x.fields, "social."+network, same)
				}
			}
		}
		for _, m := range ldList(n["employee"]) {
			appendField(x.fields, "team.members", ldString(m["name"]))
		}
	case types["Product"]:
		appendField(x.fields, "offerings.products", name)
	case types["Service"]:
		appendField(x.fields, "offerings.services", name)
	case types["Person"]:
		appendField(x.fields, "team.members", name)
	case types["WebSite"]:
		if _, ok := lookupField(x.fields, "company.name"); !ok {
			setField(x.fields, "company.name", name)
		}
	}
}

func (x *extraction) finish() {
	if len(x.fields) > 0 {
		x.page.Fields = x.fields
	}
	sigs := make([]string, 0, len(x.signals))
	for s := range x.signals {
		sigs = append(sigs, s)
	}
	sort.Strings(sigs)
	x.page.Signals = sigs
}

func (x *extraction) signal(s string) {
	if len(x.signals) < maxSignals && s != "" {
		x.signals[s] = true
	}
}

func (x *extraction) addEmail(e string) {
	e = strings.ToLower(strings.TrimSpace(e))
	if !emailRe.MatchString(e) || x.seen["email:"+e] {
		return
	}
	// image names like logo@2x.png match the pattern
	if strings.HasSuffix(e, ".png") || strings.HasSuffix(e, ".jpg") || strings.HasSuffix(e, ".webp") {
		return
	}
	x.seen["email:"+e] = true
	x.page.Emails = append(x.page.Emails, e)
}

func (x *extraction) addPhone(p string) {
	p, _ = url.PathUnescape(strings.TrimSpace(p))
	digits := 0
	for _, r := range p {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 || x.seen["phone:"+p] {
		return
	}
	x.seen["phone:"+p] = true
	x.page.Phones = append(x.page.Phones, p)
}

func (x *extraction) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	u, err := x.base.Parse(ref)
	if err != nil {
		return ""
	}
	return u.String()
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = clean(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func clean(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// setField stores v at a dotted path unless v is blank or the path is
// already set.
func setField(m map[string]any, path, v string) {
	v = clean(v)
	if v == "" {
		return
	}
	if _, ok := lookupField(m, path); ok {
		return
	}
	parent, key := fieldParent(m, path)
	parent[key] = v
}

func appendField(m map[string]any, path, v string) {
	v = clean(v)
	if v == "" {
		return
	}
	parent, key := fieldParent(m, path)
	list, _ := parent[key].([]any)
	for _, e := range list {
		if e == v {
			return
		}
	}
	parent[key] = append(list, v)
}

func lookupField(m map[string]any, path string) (any, bool) {
	return model.LayerData(m).Lookup(path)
}

func fieldParent(m map[string]any, path string) (map[string]any, string) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur, segs[len(segs)-1]
}

// ldNodes flattens a JSON-LD document, including @graph arrays.
func ldNodes(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldNodes(e)...)
		}
	case map[string]any:
		out = append(out, t)
		if g, ok := t["@graph"]; ok {
			out = append(out, ldNodes(g)...)
		}
	}
	return out
}

func ldTypes(n map[string]any) map[string]bool {
	out := make(map[string]bool)
	for _, s := range ldStrings(n["@type"]) {
		out[s] = true
	}
	return out
}

func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		if s, ok := t["name"].(string); ok {
			return s
		}
		if s, ok := t["@value"].(string); ok {
			return s
		}
	}
	return ""
}

func ldStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s := ldString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func ldList(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func ldSize(v any) string {
	if m, ok := v.(map[string]any); ok {
		if s := ldString(m["value"]); s != "" {
			return s
		}
		lo, hi := ldString(m["minValue"]), ldString(m["maxValue"])
		if lo != "" && hi != "" {
			return lo + "-" + hi
		}
		return lo
	}
	return ldString(v)
}

// ldAddress renders a PostalAddress and a short locality for
// company.location.
func ldAddress(v any) (full, locality string) {
	switch t := v.(type) {
	case string:
		return t, t
	case []any:
		if len(t) > 0 {
			return ldAddress(t[0])
		}
	case map[string]any:
		parts := func(keys ...string) string {
			var out []string
			for _, k := range keys {
				if s := clean(ldString(t[k])); s != "" {
					out = append(out, s)
				}
			}
			return strings.Join(out, ", ")
		}
		return parts("streetAddress", "addressLocality", "addressRegion", "postalCode", "addressCountry"),
			parts("addressLocality", "addressRegion", "addressCountry")
	}
	return "", ""
}
