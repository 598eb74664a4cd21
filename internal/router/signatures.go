package router

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Technology categories used by the routing affinity table.
const (
	CategoryCMS          = "cms"
	CategoryEcommerce    = "ecommerce"
	CategorySPAFramework = "spa_framework"
	CategorySSRFramework = "ssr_framework"
	CategorySiteBuilder  = "site_builder"
	CategoryLibrary      = "library"
	CategoryAnalytics    = "analytics"
)

// Signature describes how to recognize one technology. Confidence scales
// with the fraction of Patterns that match.
type Signature struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
}

type signatureFile struct {
	Signatures []Signature `yaml:"signatures"`
}

type compiledSignature struct {
	name     string
	category string
	patterns []*regexp.Regexp
}

// DefaultSignatures returns the built-in signature table, in detection order.
func DefaultSignatures() []Signature {
	return []Signature{
		{Name: "WordPress", Category: CategoryCMS, Patterns: []string{`wp-content`, `wp-includes`, `(?i)generator[^\n]*wordpress`, `wp-json`}},
		{Name: "Drupal", Category: CategoryCMS, Patterns: []string{`(?i)drupal`, `/sites/default/files`, `data-drupal-`}},
		{Name: "Joomla", Category: CategoryCMS, Patterns: []string{`(?i)joomla`, `/media/jui/`, `option=com_`}},
		{Name: "Shopify", Category: CategoryEcommerce, Patterns: []string{`cdn\.shopify\.com`, `myshopify\.com`, `(?i)shopify`}},
		{Name: "WooCommerce", Category: CategoryEcommerce, Patterns: []string{`(?i)woocommerce`, `wc-ajax`}},
		{Name: "Magento", Category: CategoryEcommerce, Patterns: []string{`(?i)magento`, `mage/cookies`, `/static/version\d+`}},
		{Name: "React", Category: CategorySPAFramework, Patterns: []string{`react(-dom)?(\.production)?(\.min)?\.js`, `data-reactroot`, `__REACT_DEVTOOLS`, `(?i)\breact\b`}},
		{Name: "Vue.js", Category: CategorySPAFramework, Patterns: []string{`vue(\.runtime)?(\.min)?\.js`, `data-v-[0-9a-f]{6,}`, `__vue__`, `(?i)\bvue(\.js)?\b`}},
		{Name: "Angular", Category: CategorySPAFramework, Patterns: []string{`ng-version`, `angular(\.min)?\.js`, `ng-app`}},
		{Name: "Svelte", Category: CategorySPAFramework, Patterns: []string{`svelte-[a-z0-9]{5,}`, `__svelte`}},
		{Name: "Next.js", Category: CategorySSRFramework, Patterns: []string{`/_next/static`, `__NEXT_DATA__`, `(?i)next\.js`}},
		{Name: "Nuxt", Category: CategorySSRFramework, Patterns: []string{`/_nuxt/`, `__NUXT__`}},
		{Name: "Gatsby", Category: CategorySSRFramework, Patterns: []string{`___gatsby`, `/page-data/`, `(?i)gatsby`}},
		{Name: "Wix", Category: CategorySiteBuilder, Patterns: []string{`wixstatic\.com`, `(?i)wix\.com`, `_wixCIDX`}},
		{Name: "Squarespace", Category: CategorySiteBuilder, Patterns: []string{`static1\.squarespace\.com`, `(?i)squarespace`}},
		{Name: "Webflow", Category: CategorySiteBuilder, Patterns: []string{`(?i)webflow`, `data-wf-page`}},
		{Name: "jQuery", Category: CategoryLibrary, Patterns: []string{`jquery([.-]\d[\d.]*)?(\.min)?\.js`, `(?i)jquery`}},
		{Name: "Bootstrap", Category: CategoryLibrary, Patterns: []string{`bootstrap(\.bundle)?(\.min)?\.(css|js)`, `(?i)bootstrap`}},
		{Name: "Google Analytics", Category: CategoryAnalytics, Patterns: []string{`google-analytics\.com`, `googletagmanager\.com`, `gtag\(`}},
		{Name: "HubSpot", Category: CategoryAnalytics, Patterns: []string{`js\.hs-scripts\.com`, `(?i)hubspot`}},
	}
}

// LoadSignatures reads a signature table from a YAML file of the form
// {signatures: [{name, category, patterns}]}.
func LoadSignatures(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "router: read signatures %s", path)
	}
	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "router: parse signatures %s", path)
	}
	if len(f.Signatures) == 0 {
		return nil, eris.Errorf("router: no signatures in %s", path)
	}
	return f.Signatures, nil
}

func compileSignatures(sigs []Signature) ([]compiledSignature, error) {
	out := make([]compiledSignature, 0, len(sigs))
	for _, s := range sigs {
		if s.Name == "" || len(s.Patterns) == 0 {
			return nil, eris.Errorf("router: signature %q needs a name and at least one pattern", s.Name)
		}
		cs := compiledSignature{name: s.Name, category: s.Category}
		for _, p := range s.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, eris.Wrapf(err, "router: compile pattern %q for %s", p, s.Name)
			}
			cs.patterns = append(cs.patterns, re)
		}
		out = append(out, cs)
	}
	return out, nil
}
