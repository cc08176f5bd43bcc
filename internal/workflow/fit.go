package workflow

import (
	"strconv"
	"strings"

	"github.com/sells-group/crm-intake/internal/model"
)

// FitScorer estimates how well an entity fits the ideal customer profile.
// Concrete weightings are illustrative business rules, not load-bearing
// correctness, so they sit behind this interface.
type FitScorer interface {
	Score(e *model.EntityRecord) float64
}

// WeightedFitScorer is the reference scorer: seniority and revenue-range
// lookups blended with a base score, clamped to [0, 1].
type WeightedFitScorer struct {
	Base       float64
	Seniority  map[string]float64
	Revenue    map[string]float64
	TechBonus  float64 // applied when a tech stack is known at all
	MaxPenalty float64 // subtracted when headquarters is unknown
}

// NewWeightedFitScorer returns the reference fit scorer.
func NewWeightedFitScorer() *WeightedFitScorer {
	return &WeightedFitScorer{
		Base: 0.3,
		Seniority: map[string]float64{
			"c-level":  0.3,
			"founder":  0.3,
			"vp":       0.25,
			"director": 0.2,
			"manager":  0.1,
		},
		Revenue: map[string]float64{
			"$10M+":     0.25,
			"$5M-$10M":  0.2,
			"$1M-$5M":   0.15,
			"under $1M": 0.05,
		},
		TechBonus:  0.05,
		MaxPenalty: 0.1,
	}
}

// Score computes the fit score for an entity.
func (s *WeightedFitScorer) Score(e *model.EntityRecord) float64 {
	score := s.Base
	score += s.Seniority[strings.ToLower(e.Field(model.FieldSeniority))]
	score += s.Revenue[e.Field(model.FieldRevenueRange)]
	if e.Field(model.FieldTechStack) != "" {
		score += s.TechBonus
	}
	if e.Field(model.FieldHeadquarters) == "" {
		score -= s.MaxPenalty
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// FormatFitScore renders a score for storage in the entity field map.
func FormatFitScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}
