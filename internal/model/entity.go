package model

import (
	"strings"
	"time"
)

// Stage is the lifecycle stage of an entity.
type Stage string

const (
	StageLead        Stage = "lead"
	StageProspect    Stage = "prospect"
	StageOpportunity Stage = "opportunity"
)

// Rank orders stages for monotonicity checks. Lead < Prospect < Opportunity.
func (s Stage) Rank() int {
	switch s {
	case StageLead:
		return 0
	case StageProspect:
		return 1
	case StageOpportunity:
		return 2
	default:
		return -1
	}
}

// Next returns the stage an entity is promoted into, if any.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageLead:
		return StageProspect, true
	case StageProspect:
		return StageOpportunity, true
	default:
		return "", false
	}
}

// Status is a stage-scoped lifecycle status.
type Status string

const (
	// Shared initial status for every stage.
	StatusNew Status = "new"

	// Lead statuses.
	StatusResearching  Status = "researching"
	StatusContacted    Status = "contacted"
	StatusEngaged      Status = "engaged"
	StatusNoInterest   Status = "no_interest"
	StatusDoNotContact Status = "do_not_contact"
	StatusInvalidData  Status = "invalid_data"

	// Prospect statuses.
	StatusProspecting  Status = "prospecting"
	StatusQualified    Status = "qualified"
	StatusDisqualified Status = "disqualified"

	// Opportunity statuses.
	StatusProgressing Status = "progressing"
	StatusNegotiation Status = "negotiation"
	StatusWon         Status = "won"
	StatusLost        Status = "lost"

	// StatusConverted marks an entity that has been promoted to the next
	// stage. Conversion is terminal for the source entity, not a deletion.
	StatusConverted Status = "converted"
)

// terminalStatuses have no outgoing transitions. Entities in these statuses
// are retained for audit and suppression, never deleted.
var terminalStatuses = map[Status]bool{
	StatusNoInterest:   true,
	StatusDoNotContact: true,
	StatusInvalidData:  true,
	StatusDisqualified: true,
	StatusWon:          true,
	StatusLost:         true,
	StatusConverted:    true,
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// InitialStatus returns the initial status for a stage. Every stage starts
// at New.
func InitialStatus(Stage) Status {
	return StatusNew
}

// Actor identifier prefixes. The guard on protected fields keys off whether
// the last writer was a human.
const (
	humanActorPrefix  = "human:"
	systemActorPrefix = "system:"
)

// HumanActor builds an actor identifier for a human user.
func HumanActor(id string) string {
	return humanActorPrefix + id
}

// SystemActor builds an actor identifier for an automated component.
func SystemActor(name string) string {
	return systemActorPrefix + name
}

// IsHumanActor reports whether the actor identifier denotes a human editor.
func IsHumanActor(actor string) bool {
	return strings.HasPrefix(actor, humanActorPrefix)
}

// EntityRecord is the CRM-side representation of a Lead, Prospect, or
// Opportunity. Entities are created on first sighting of a new identity,
// mutated only through merge plans and workflow transitions, and never
// deleted.
type EntityRecord struct {
	ID                string            `json:"id"`
	Stage             Stage             `json:"stage"`
	Status            Status            `json:"status"`
	Fields            map[string]string `json:"fields"`
	LastModifiedActor string            `json:"last_modified_actor"`
	Provenance        []string          `json:"provenance"`
	ParentID          string            `json:"parent_id,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Field returns the named field value, trimmed.
func (e *EntityRecord) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	return trimmed(e.Fields[key])
}

// SetField writes a field value, allocating the map on first use.
func (e *EntityRecord) SetField(key, value string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
}

// AddProvenance appends a provider identifier, collapsing duplicates.
// Provenance is append-only and ordered by first contribution.
func (e *EntityRecord) AddProvenance(provider string) {
	if provider == "" {
		return
	}
	for _, p := range e.Provenance {
		if p == provider {
			return
		}
	}
	e.Provenance = append(e.Provenance, provider)
}

// Clone returns a deep copy. Merge application works on a clone so a failed
// plan never leaves a partially written entity behind.
func (e *EntityRecord) Clone() *EntityRecord {
	c := *e
	c.Fields = make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.Provenance = append([]string(nil), e.Provenance...)
	return &c
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
