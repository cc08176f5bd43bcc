package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergePlan_Accessors(t *testing.T) {
	p := MergePlan{
		EntityID: "e1",
		Actions: []FieldAction{
			{FieldKey: FieldTechStack, Kind: ActionOverwrite, Value: "go,postgres", Provider: "builtwith"},
			{FieldKey: FieldAssignedOwner, Kind: ActionSkip, Reason: SkipProtected},
			{FieldKey: FieldRevenueRange, Kind: ActionOverwrite, Value: "$1M-$5M", Provider: "clearbit"},
			{FieldKey: FieldServices, Kind: ActionSkip, Reason: SkipInsufficientImprovement},
			{FieldKey: FieldSeniority, Kind: ActionOverwrite, Value: "vp", Provider: "clearbit"},
		},
	}

	assert.Equal(t, []string{FieldRevenueRange, FieldSeniority, FieldTechStack}, p.Overwrites())
	assert.Equal(t, []string{FieldAssignedOwner, FieldServices}, p.Preserved())
	assert.Equal(t, []string{"builtwith", "clearbit"}, p.Providers())
}

func TestAuditRecord_Summary(t *testing.T) {
	a := AuditRecord{
		EntityID:          "e1",
		Timestamp:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		FieldsOverwritten: []string{FieldTechStack},
		FieldsPreserved:   []string{FieldManualNotes},
		PreservationReasons: map[string]string{
			FieldManualNotes: SkipProtected,
		},
	}

	s := a.Summary()
	assert.Contains(t, s, "entity e1")
	assert.Contains(t, s, "overwrote [tech_stack]")
	assert.Contains(t, s, "manual_notes (protected)")
}

func TestAuditRecord_Summary_NothingPreserved(t *testing.T) {
	a := AuditRecord{EntityID: "e2", FieldsOverwritten: []string{FieldSeniority}}
	assert.Contains(t, a.Summary(), "preserved none")
}
