// Package merge plans and applies field-level updates to entities. A plan
// is computed in full before any field is written; application is
// all-or-nothing against the version the plan was computed from.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/sells-group/crm-intake/internal/model"
)

// Engine computes merge plans under a Policy. Plan is pure: the same
// (existing, incoming) input and the same policy always yield an identical
// plan.
type Engine struct {
	policy *Policy
	now    func() time.Time
}

// NewEngine creates a merge engine.
func NewEngine(policy *Policy) *Engine {
	return &Engine{policy: policy, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(t time.Time) *Engine {
	e.now = func() time.Time { return t }
	return e
}

// Plan builds the update plan for one matched incoming record. The match is
// the classification that authorized the merge; plans are only computed for
// same-classified pairs.
func (e *Engine) Plan(existing *model.EntityRecord, incoming model.IncomingRecord, match model.MatchCandidate) model.MergePlan {
	_ = match
	return e.PlanMulti(existing, []model.IncomingRecord{incoming})
}

// sourced is one provider's offer for a field within a merge pass.
type sourced struct {
	provider    string
	value       string
	confidence  int
	retrievedAt time.Time
}

// PlanMulti builds one plan from several incoming records in a single merge
// pass. When sources disagree on a field, the field's priority group
// decides; priority ties break by higher confidence, then most recent
// retrieval.
func (e *Engine) PlanMulti(existing *model.EntityRecord, incomings []model.IncomingRecord) model.MergePlan {
	offers := make(map[string][]sourced)
	emptied := make(map[string]bool)
	for _, in := range incomings {
		for key := range in.Fields {
			v := in.Field(key)
			if v == "" {
				emptied[key] = true
				continue
			}
			offers[key] = append(offers[key], sourced{
				provider:    in.Provider,
				value:       v,
				confidence:  in.Confidence,
				retrievedAt: in.RetrievedAt,
			})
		}
	}

	keys := make([]string, 0, len(offers)+len(emptied))
	for k := range offers {
		keys = append(keys, k)
	}
	for k := range emptied {
		if _, offered := offers[k]; !offered {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	plan := model.MergePlan{
		EntityID:    existing.ID,
		BaseVersion: existing.Version,
		PlannedAt:   e.now(),
	}
	for _, key := range keys {
		// A field every source sent blank never clears stored data; the
		// skip is recorded so the audit explains the untouched field.
		if _, offered := offers[key]; !offered {
			plan.Actions = append(plan.Actions, skip(key, model.SkipEmptyIncoming))
			continue
		}
		winner := e.pickWinner(key, offers[key])
		plan.Actions = append(plan.Actions, e.decide(existing, key, winner))
	}
	return plan
}

// pickWinner resolves a multi-source disagreement on one field.
func (e *Engine) pickWinner(key string, offers []sourced) sourced {
	best := offers[0]
	bestRank := e.policy.ProviderRank(key, best.provider)
	for _, o := range offers[1:] {
		rank := e.policy.ProviderRank(key, o.provider)
		switch {
		case rank < bestRank:
			best, bestRank = o, rank
		case rank == bestRank && o.confidence > best.confidence:
			best = o
		case rank == bestRank && o.confidence == best.confidence && o.retrievedAt.After(best.retrievedAt):
			best = o
		}
	}
	return best
}

// decide applies the category rule for one field.
func (e *Engine) decide(existing *model.EntityRecord, key string, in sourced) model.FieldAction {
	category, known := e.policy.Category(key)
	if !known {
		return skip(key, model.SkipUnmappedField)
	}

	current := existing.Field(key)

	switch category {
	case model.CategoryProtected:
		// Once a human has touched the entity, or it has moved past its
		// stage's initial status, automation keeps its hands off.
		if model.IsHumanActor(existing.LastModifiedActor) ||
			existing.Status != model.InitialStatus(existing.Stage) {
			return skip(key, model.SkipProtected)
		}
		return overwrite(key, in)

	case model.CategoryEnrichment:
		// Freshest known truth: a non-empty incoming value always wins.
		return overwrite(key, in)

	case model.CategoryConditional:
		if current == "" {
			return overwrite(key, in)
		}
		if strings.Contains(current, in.value) {
			return skip(key, model.SkipInsufficientImprovement)
		}
		if float64(len(in.value)) >= e.policy.GrowthFactor*float64(len(current)) {
			return overwrite(key, in)
		}
		return skip(key, model.SkipInsufficientImprovement)

	default:
		return skip(key, model.SkipUnmappedField)
	}
}

func overwrite(key string, in sourced) model.FieldAction {
	return model.FieldAction{
		FieldKey: key,
		Kind:     model.ActionOverwrite,
		Value:    in.value,
		Provider: in.provider,
	}
}

func skip(key, reason string) model.FieldAction {
	return model.FieldAction{FieldKey: key, Kind: model.ActionSkip, Reason: reason}
}

// Apply executes a plan against an entity clone and returns the updated
// entity plus its audit record. Nothing is written when the entity has
// moved past the plan's base version; the caller must re-resolve.
func Apply(existing *model.EntityRecord, plan model.MergePlan, actor string, now time.Time) (*model.EntityRecord, model.AuditRecord, error) {
	if existing.Version != plan.BaseVersion {
		return nil, model.AuditRecord{}, &model.ConflictError{
			EntityID:        existing.ID,
			ExpectedVersion: plan.BaseVersion,
			ActualVersion:   existing.Version,
		}
	}

	updated := existing.Clone()
	for _, a := range plan.Actions {
		if a.Kind == model.ActionOverwrite {
			updated.SetField(a.FieldKey, a.Value)
			updated.AddProvenance(a.Provider)
		}
	}
	// An automated write never demotes a human marker; the protected-field
	// guard must survive any number of subsequent merges.
	if model.IsHumanActor(actor) || !model.IsHumanActor(updated.LastModifiedActor) {
		updated.LastModifiedActor = actor
	}
	updated.Version++
	updated.UpdatedAt = now

	return updated, plan.Audit(now), nil
}
