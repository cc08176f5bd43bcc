package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldActionKind distinguishes plan actions.
type FieldActionKind string

const (
	ActionOverwrite FieldActionKind = "overwrite"
	ActionSkip      FieldActionKind = "skip"
)

// Skip reasons emitted by the merge engine.
const (
	SkipProtected               = "protected"
	SkipInsufficientImprovement = "insufficient-improvement"
	SkipEmptyIncoming           = "empty-incoming"
	SkipUnmappedField           = "unmapped-field"
)

// FieldAction is one per-field decision in a MergePlan.
type FieldAction struct {
	FieldKey string          `json:"field_key"`
	Kind     FieldActionKind `json:"kind"`
	Value    string          `json:"value,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// MergePlan is the full, precomputed set of field decisions for one entity.
// A plan is computed in full before any field is written; application is
// all-or-nothing per entity.
type MergePlan struct {
	EntityID string        `json:"entity_id"`
	Actions  []FieldAction `json:"actions"`
	// BaseVersion is the entity version the plan was computed against.
	// Application against a different version is a conflict.
	BaseVersion int64     `json:"base_version"`
	PlannedAt   time.Time `json:"planned_at"`
}

// Overwrites returns the field keys the plan writes, sorted.
func (p MergePlan) Overwrites() []string {
	return p.keysByKind(ActionOverwrite)
}

// Preserved returns the field keys the plan skips, sorted.
func (p MergePlan) Preserved() []string {
	return p.keysByKind(ActionSkip)
}

// Providers returns the distinct providers contributing overwrites, in
// action order.
func (p MergePlan) Providers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, a := range p.Actions {
		if a.Kind != ActionOverwrite || a.Provider == "" || seen[a.Provider] {
			continue
		}
		seen[a.Provider] = true
		out = append(out, a.Provider)
	}
	return out
}

func (p MergePlan) keysByKind(kind FieldActionKind) []string {
	var keys []string
	for _, a := range p.Actions {
		if a.Kind == kind {
			keys = append(keys, a.FieldKey)
		}
	}
	sort.Strings(keys)
	return keys
}

// Audit builds the audit record for this plan as applied at ts.
func (p MergePlan) Audit(ts time.Time) AuditRecord {
	reasons := make(map[string]string)
	for _, a := range p.Actions {
		if a.Kind == ActionSkip {
			reasons[a.FieldKey] = a.Reason
		}
	}
	return AuditRecord{
		EntityID:            p.EntityID,
		Timestamp:           ts,
		FieldsOverwritten:   p.Overwrites(),
		FieldsPreserved:     p.Preserved(),
		PreservationReasons: reasons,
	}
}

// AuditRecord summarizes one applied MergePlan. The audit trail is a
// first-class output consumed by support and compliance, not a logging side
// effect.
type AuditRecord struct {
	EntityID            string            `json:"entity_id"`
	Timestamp           time.Time         `json:"timestamp"`
	FieldsOverwritten   []string          `json:"fields_overwritten"`
	FieldsPreserved     []string          `json:"fields_preserved"`
	PreservationReasons map[string]string `json:"preservation_reasons"`
}

// Summary renders the human-readable audit line.
func (a AuditRecord) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "entity %s: overwrote [%s]", a.EntityID, strings.Join(a.FieldsOverwritten, ", "))
	if len(a.FieldsPreserved) == 0 {
		b.WriteString(", preserved none")
		return b.String()
	}
	b.WriteString(", preserved ")
	for i, k := range a.FieldsPreserved {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%s)", k, a.PreservationReasons[k])
	}
	return b.String()
}

// SuppressionEvent is emitted once when an entity becomes DoNotContact or is
// disqualified for compliance reasons. Delivery to provider suppression APIs
// is a per-provider adapter concern.
type SuppressionEvent struct {
	Email          string    `json:"email"`
	Reason         string    `json:"reason"`
	OriginEntityID string    `json:"origin_entity_id"`
	Timestamp      time.Time `json:"timestamp"`
}
