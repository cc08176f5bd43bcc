// Package workflow governs the Lead -> Prospect -> Opportunity lifecycle:
// transition legality, precondition guards, and promotion.
package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-intake/internal/model"
)

// transitions is the legal edge set per stage. Statuses absent from a
// stage's map (terminal ones included) have no outgoing edges.
var transitions = map[model.Stage]map[model.Status][]model.Status{
	model.StageLead: {
		model.StatusNew:         {model.StatusResearching},
		model.StatusResearching: {model.StatusContacted, model.StatusInvalidData},
		model.StatusContacted:   {model.StatusEngaged, model.StatusNoInterest, model.StatusDoNotContact},
	},
	model.StageProspect: {
		model.StatusNew:         {model.StatusProspecting},
		model.StatusProspecting: {model.StatusQualified, model.StatusDisqualified},
	},
	model.StageOpportunity: {
		model.StatusNew:         {model.StatusProgressing},
		model.StatusProgressing: {model.StatusNegotiation},
		model.StatusNegotiation: {model.StatusWon, model.StatusLost},
	},
}

// promotionStatus is the single status per stage from which promotion is
// legal.
var promotionStatus = map[model.Stage]model.Status{
	model.StageLead:     model.StatusEngaged,
	model.StageProspect: model.StatusQualified,
}

// Machine validates and performs lifecycle transitions. It is a pure
// decision core: it mutates nothing it is given and performs no I/O.
type Machine struct {
	cfg    *Config
	scorer FitScorer
	now    func() time.Time
	newID  func() string
}

// New creates a Machine.
func New(cfg *Config) *Machine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Machine{
		cfg:    cfg,
		scorer: NewWeightedFitScorer(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// WithScorer replaces the fit scorer. A nil scorer disables automatic
// scoring on qualification.
func (m *Machine) WithScorer(s FitScorer) *Machine {
	m.scorer = s
	return m
}

// WithNow sets a fixed clock for testing.
func (m *Machine) WithNow(t time.Time) *Machine {
	m.now = func() time.Time { return t }
	return m
}

// WithIDFunc overrides child-entity ID generation for testing.
func (m *Machine) WithIDFunc(f func() string) *Machine {
	m.newID = f
	return m
}

// CanTransition checks whether the entity may move to the target status.
// It returns a TerminalStateError for closed entities, a TransitionError
// for edges outside the stage's table, and a PreconditionError naming the
// missing fields when the target's required-field set is not populated.
func (m *Machine) CanTransition(e *model.EntityRecord, target model.Status) error {
	if e.Status.Terminal() {
		return &model.TerminalStateError{EntityID: e.ID, Status: e.Status}
	}
	if !legal(e.Stage, e.Status, target) {
		return &model.TransitionError{EntityID: e.ID, Stage: e.Stage, From: e.Status, To: target}
	}
	if missing := m.missingFields(e, target); len(missing) > 0 {
		return &model.PreconditionError{EntityID: e.ID, Target: target, Missing: missing}
	}
	return nil
}

// Transition validates and performs a status change, returning an updated
// clone. The caller persists it; the machine never silently advances an
// entity with missing data.
func (m *Machine) Transition(e *model.EntityRecord, target model.Status, actor string) (*model.EntityRecord, error) {
	updated := e.Clone()
	if m.scorer != nil && target == model.StatusQualified && updated.Field(model.FieldFitScore) == "" {
		updated.SetField(model.FieldFitScore, FormatFitScore(m.scorer.Score(updated)))
	}
	if err := m.CanTransition(updated, target); err != nil {
		return nil, err
	}
	updated.Status = target
	updated.LastModifiedActor = actor
	updated.Version++
	updated.UpdatedAt = m.now()
	return updated, nil
}

// Promote creates the next-stage entity for a promotion-eligible source.
// existingChild, when non-nil, is the child already created for this
// parent; it is returned as-is so promotion stays idempotent by parent
// reference. On a fresh promotion Promote returns the new child and the
// source entity marked Converted; the caller persists both.
func (m *Machine) Promote(e *model.EntityRecord, existingChild *model.EntityRecord, actor string) (child, converted *model.EntityRecord, err error) {
	if existingChild != nil {
		return existingChild, nil, nil
	}

	eligible, ok := promotionStatus[e.Stage]
	if !ok {
		return nil, nil, eris.Errorf("workflow: stage %s cannot be promoted", e.Stage)
	}
	if e.Status.Terminal() {
		return nil, nil, &model.TerminalStateError{EntityID: e.ID, Status: e.Status}
	}
	if e.Status != eligible {
		return nil, nil, &model.PreconditionError{
			EntityID: e.ID,
			Target:   eligible,
			Missing:  []string{"status=" + string(eligible)},
		}
	}

	next, _ := e.Stage.Next()
	now := m.now()

	child = &model.EntityRecord{
		ID:                m.newID(),
		Stage:             next,
		Status:            model.InitialStatus(next),
		Fields:            m.inheritedFields(e),
		LastModifiedActor: actor,
		Provenance:        append([]string(nil), e.Provenance...),
		ParentID:          e.ID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	converted = e.Clone()
	converted.Status = model.StatusConverted
	converted.LastModifiedActor = actor
	converted.Version++
	converted.UpdatedAt = now

	return child, converted, nil
}

// inheritedFields copies forward everything except protected fields and
// bookkeeping markers.
func (m *Machine) inheritedFields(e *model.EntityRecord) map[string]string {
	out := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		if m.cfg.protected[k] || k == model.FieldDuplicateOf {
			continue
		}
		out[k] = v
	}
	return out
}

func (m *Machine) missingFields(e *model.EntityRecord, target model.Status) []string {
	var missing []string
	for _, key := range m.cfg.RequiredFields[e.Stage][target] {
		if e.Field(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func legal(stage model.Stage, from, to model.Status) bool {
	for _, s := range transitions[stage][from] {
		if s == to {
			return true
		}
	}
	return false
}
