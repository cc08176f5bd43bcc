// Package resolve scores incoming records against existing entities and
// classifies each pair as same, possible-duplicate, or distinct.
package resolve

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/model"
)

// Weights holds the per-field contribution to the aggregate score. Weights
// are configuration, not business logic; Default ships the reference set.
type Weights struct {
	Email   float64 `yaml:"email" mapstructure:"email"`
	Name    float64 `yaml:"name" mapstructure:"name"`
	Phone   float64 `yaml:"phone" mapstructure:"phone"`
	Company float64 `yaml:"company" mapstructure:"company"`
}

// Config holds similarity weights and classification thresholds.
type Config struct {
	Weights Weights `yaml:"weights" mapstructure:"weights"`
	// SameThreshold and above auto-merges; DuplicateThreshold and above
	// (below SameThreshold) flags, never silently merges.
	SameThreshold      float64 `yaml:"same_threshold" mapstructure:"same_threshold"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold" mapstructure:"duplicate_threshold"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Weights:            Weights{Email: 0.4, Name: 0.3, Phone: 0.2, Company: 0.1},
		SameThreshold:      0.95,
		DuplicateThreshold: 0.80,
	}
}

// Resolver computes match candidates. It is stateless and safe for
// concurrent use across distinct incoming records.
type Resolver struct {
	cfg Config
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve scores the canonical incoming fields against every candidate and
// returns MatchCandidates sorted by descending aggregate score. Ties break
// by most recent modification, then lowest entity ID, so ordering is total
// and reproducible. The result is empty, never nil, when no candidates are
// supplied.
func (r *Resolver) Resolve(cf model.CanonicalFields, candidates []model.EntityRecord) []model.MatchCandidate {
	out := make([]model.MatchCandidate, 0, len(candidates))
	for i := range candidates {
		out = append(out, r.score(cf, &candidates[i]))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		iu, ju := out[i].Entity.UpdatedAt, out[j].Entity.UpdatedAt
		if !iu.Equal(ju) {
			return iu.After(ju)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Classify maps an aggregate score onto a match class. The boundaries are
// inclusive: a score exactly at the same-threshold is same, exactly at the
// duplicate-threshold is possible-duplicate.
func (r *Resolver) Classify(score float64) model.MatchClass {
	switch {
	case score >= r.cfg.SameThreshold:
		return model.MatchSame
	case score >= r.cfg.DuplicateThreshold:
		return model.MatchPossibleDuplicate
	default:
		return model.MatchDistinct
	}
}

func (r *Resolver) score(cf model.CanonicalFields, entity *model.EntityRecord) model.MatchCandidate {
	ef := canonical.FromFields(entity.Fields)
	w := r.cfg.Weights

	scores := make(map[string]float64, 4)
	var weighted, totalWeight float64
	add := func(key string, weight, sim float64) {
		scores[key] = sim
		weighted += weight * sim
		totalWeight += weight
	}

	// Fields absent on either side carry no signal in either direction, so
	// the aggregate is normalized over the fields both sides populate.
	if cf.Email != "" && ef.Email != "" {
		add(model.FieldEmail, w.Email, exactMatch(cf.Email, ef.Email))
	}
	if cf.FullName != "" && ef.FullName != "" {
		add("full_name", w.Name, editRatio(cf.FullName, ef.FullName))
	}
	if cf.Phone != "" && ef.Phone != "" {
		add(model.FieldPhone, w.Phone, phoneSimilarity(cf.Phone, ef.Phone))
	}
	if cf.Company != "" && ef.Company != "" {
		add(model.FieldCompanyName, w.Company, editRatio(cf.Company, ef.Company))
	}

	var aggregate float64
	if totalWeight > 0 {
		aggregate = weighted / totalWeight
	}

	return model.MatchCandidate{
		EntityID:    entity.ID,
		Entity:      entity,
		FieldScores: scores,
		Score:       aggregate,
		Class:       r.Classify(aggregate),
	}
}

func exactMatch(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

// editRatio is the normalized edit-distance similarity: 1 - distance/maxLen.
func editRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	dist := levenshtein.Distance(a, b, nil)
	return 1 - float64(dist)/float64(maxLen)
}

// phoneSimilarity handles missing country codes: equal digit strings score
// 1, a true suffix relationship (shorter number is the tail of the longer)
// scores 0.9, anything else scores 0.
func phoneSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) > 0 && len(shorter) < len(longer) && strings.HasSuffix(longer, shorter) {
		return 0.9
	}
	return 0
}
