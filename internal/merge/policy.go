package merge

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-intake/internal/model"
)

// Policy is the declarative field-rule table driving the merge engine.
// Behavior lives in data, not per-field branching, so new fields are a
// table entry rather than a code change.
type Policy struct {
	// Categories maps each field key onto its merge rule.
	Categories map[string]model.FieldCategory `yaml:"categories"`
	// Groups maps each field key onto its source-priority group.
	Groups map[string]model.PriorityGroup `yaml:"groups"`
	// Priority lists providers per group, highest priority first. A
	// provider absent from the list ranks below every listed one.
	Priority map[model.PriorityGroup][]string `yaml:"priority"`
	// GrowthFactor is the "materially larger" multiplier for conditional
	// free-text fields.
	GrowthFactor float64 `yaml:"growth_factor"`
}

// DefaultPolicy returns the reference field-rule table.
func DefaultPolicy() *Policy {
	return &Policy{
		Categories: map[string]model.FieldCategory{
			model.FieldAssignedOwner: model.CategoryProtected,
			model.FieldPriority:      model.CategoryProtected,
			model.FieldManualNotes:   model.CategoryProtected,

			model.FieldEmail:        model.CategoryEnrichment,
			model.FieldFirstName:    model.CategoryEnrichment,
			model.FieldLastName:     model.CategoryEnrichment,
			model.FieldPhone:        model.CategoryEnrichment,
			model.FieldJobTitle:     model.CategoryEnrichment,
			model.FieldCompanyName:  model.CategoryEnrichment,
			model.FieldTechStack:    model.CategoryEnrichment,
			model.FieldRevenueRange: model.CategoryEnrichment,
			model.FieldSeniority:    model.CategoryEnrichment,
			model.FieldIntentSignal: model.CategoryEnrichment,
			model.FieldFoundedYear:  model.CategoryEnrichment,
			model.FieldHeadquarters: model.CategoryEnrichment,

			model.FieldServices:      model.CategoryConditional,
			model.FieldGrowthSignals: model.CategoryConditional,
			model.FieldPipelineNotes: model.CategoryConditional,
		},
		Groups: map[string]model.PriorityGroup{
			model.FieldFirstName:    model.PriorityContact,
			model.FieldLastName:     model.PriorityContact,
			model.FieldJobTitle:     model.PriorityContact,
			model.FieldSeniority:    model.PriorityContact,
			model.FieldManualNotes:  model.PriorityContact,
			model.FieldIntentSignal: model.PriorityContact,

			model.FieldCompanyName:   model.PriorityCompany,
			model.FieldTechStack:     model.PriorityCompany,
			model.FieldRevenueRange:  model.PriorityCompany,
			model.FieldFoundedYear:   model.PriorityCompany,
			model.FieldHeadquarters:  model.PriorityCompany,
			model.FieldServices:      model.PriorityCompany,
			model.FieldGrowthSignals: model.PriorityCompany,
			model.FieldPipelineNotes: model.PriorityCompany,
			model.FieldAssignedOwner: model.PriorityCompany,
			model.FieldPriority:      model.PriorityCompany,

			model.FieldEmail: model.PriorityEmailVerification,
			model.FieldPhone: model.PriorityPhone,
		},
		Priority:     map[model.PriorityGroup][]string{},
		GrowthFactor: 1.5,
	}
}

// LoadPolicy reads a policy from a YAML file and fills gaps from the
// defaults, so a partial file only overrides what it names.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read policy %s", path)
	}

	var wrapper struct {
		Policy Policy `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "merge: parse policy")
	}

	p := &wrapper.Policy
	defaults := DefaultPolicy()
	if p.Categories == nil {
		p.Categories = defaults.Categories
	}
	if p.Groups == nil {
		p.Groups = defaults.Groups
	}
	if p.Priority == nil {
		p.Priority = defaults.Priority
	}
	if p.GrowthFactor <= 0 {
		p.GrowthFactor = defaults.GrowthFactor
	}
	return p, nil
}

// Category returns the merge rule for a field key and whether the key is
// part of the closed field model.
func (p *Policy) Category(key string) (model.FieldCategory, bool) {
	c, ok := p.Categories[key]
	return c, ok
}

// ProviderRank returns the position of a provider in the field's priority
// list. Providers not listed rank below all listed ones and tie with each
// other, so confidence decides between them.
func (p *Policy) ProviderRank(key, provider string) int {
	order := p.Priority[p.Groups[key]]
	for i, name := range order {
		if name == provider {
			return i
		}
	}
	return len(order)
}
