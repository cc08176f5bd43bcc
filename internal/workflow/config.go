package workflow

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-intake/internal/model"
)

// Config holds the per-transition required-field sets and the protected
// field list used when copying fields forward on promotion.
type Config struct {
	// RequiredFields lists, per stage and target status, the field keys
	// that must be non-empty before the transition is allowed.
	RequiredFields map[model.Stage]map[model.Status][]string `yaml:"required_fields"`
	// ProtectedFields are never copied forward to a promoted entity.
	ProtectedFields []string `yaml:"protected_fields"`

	protected map[string]bool
}

// DefaultConfig returns the reference workflow configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		RequiredFields: map[model.Stage]map[model.Status][]string{
			model.StageLead: {
				model.StatusContacted: {model.FieldEmail},
			},
			model.StageProspect: {
				model.StatusQualified: {
					model.FieldPainPoints,
					model.FieldBudgetRange,
					model.FieldTimeframe,
					model.FieldFitScore,
				},
			},
			model.StageOpportunity: {
				model.StatusNegotiation: {model.FieldBudgetRange, model.FieldTimeframe},
			},
		},
		ProtectedFields: []string{
			model.FieldAssignedOwner,
			model.FieldPriority,
			model.FieldManualNotes,
		},
	}
	cfg.index()
	return cfg
}

// LoadConfig reads workflow configuration from a YAML file, falling back to
// defaults for sections the file omits.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: read config %s", path)
	}

	var wrapper struct {
		Workflow Config `yaml:"workflow"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "workflow: parse config")
	}

	cfg := &wrapper.Workflow
	defaults := DefaultConfig()
	if cfg.RequiredFields == nil {
		cfg.RequiredFields = defaults.RequiredFields
	}
	if cfg.ProtectedFields == nil {
		cfg.ProtectedFields = defaults.ProtectedFields
	}
	cfg.index()
	return cfg, nil
}

func (c *Config) index() {
	c.protected = make(map[string]bool, len(c.ProtectedFields))
	for _, k := range c.ProtectedFields {
		c.protected[k] = true
	}
}
