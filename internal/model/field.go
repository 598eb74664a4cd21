package model

// FieldGroup groups business fields by the kind of source that fills them.
type FieldGroup string

const (
	FieldGroupCompany   FieldGroup = "company"
	FieldGroupContact   FieldGroup = "contact"
	FieldGroupSocial    FieldGroup = "social"
	FieldGroupTech      FieldGroup = "technology"
	FieldGroupOfferings FieldGroup = "offerings"
	FieldGroupTeam      FieldGroup = "team"
)

// BusinessField is a required business field, addressed by dotted path
// across all data layers.
type BusinessField struct {
	Path   string     `json:"path"`
	Group  FieldGroup `json:"group"`
	Weight float64    `json:"weight"` // coverage weight, 0.3-1.0
	Impact float64    `json:"impact"` // estimated overall-score points when filled
}

// FieldRegistry is an ordered, indexed collection of business fields.
type FieldRegistry struct {
	Fields []BusinessField
	byPath map[string]*BusinessField
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
func NewFieldRegistry(fields []BusinessField) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byPath: make(map[string]*BusinessField, len(fields)),
	}
	for i := range r.Fields {
		r.byPath[r.Fields[i].Path] = &r.Fields[i]
	}
	return r
}

// ByPath returns the field for path, or nil.
func (r *FieldRegistry) ByPath(path string) *BusinessField {
	return r.byPath[path]
}

// Paths returns field paths in registry order.
func (r *FieldRegistry) Paths() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Path
	}
	return out
}

// TotalWeight sums coverage weights.
func (r *FieldRegistry) TotalWeight() float64 {
	var sum float64
	for _, f := range r.Fields {
		sum += f.Weight
	}
	return sum
}

// DefaultBusinessFields is the fixed list of sixteen fields a complete
// company profile carries.
func DefaultBusinessFields() *FieldRegistry {
	return NewFieldRegistry([]BusinessField{
		{Path: "company.name", Group: FieldGroupCompany, Weight: 1.0, Impact: 6},
		{Path: "company.description", Group: FieldGroupCompany, Weight: 0.9, Impact: 5},
		{Path: "company.industry", Group: FieldGroupCompany, Weight: 0.8, Impact: 4},
		{Path: "company.location", Group: FieldGroupCompany, Weight: 0.8, Impact: 4},
		{Path: "company.founded", Group: FieldGroupCompany, Weight: 0.4, Impact: 2},
		{Path: "company.size", Group: FieldGroupCompany, Weight: 0.5, Impact: 3},
		{Path: "contact.emails", Group: FieldGroupContact, Weight: 1.0, Impact: 6},
		{Path: "contact.phones", Group: FieldGroupContact, Weight: 0.9, Impact: 5},
		{Path: "contact.address", Group: FieldGroupContact, Weight: 0.7, Impact: 4},
		{Path: "social.linkedin", Group: FieldGroupSocial, Weight: 0.6, Impact: 3},
		{Path: "social.twitter", Group: FieldGroupSocial, Weight: 0.4, Impact: 2},
		{Path: "social.facebook", Group: FieldGroupSocial, Weight: 0.3, Impact: 2},
		{Path: "technologies", Group: FieldGroupTech, Weight: 0.7, Impact: 4},
		{Path: "offerings.products", Group: FieldGroupOfferings, Weight: 0.7, Impact: 4},
		{Path: "offerings.services", Group: FieldGroupOfferings, Weight: 0.7, Impact: 4},
		{Path: "team.members", Group: FieldGroupTeam, Weight: 0.5, Impact: 3},
	})
}
