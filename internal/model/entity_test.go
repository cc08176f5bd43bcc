package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStage_Rank_Monotonic(t *testing.T) {
	assert.Less(t, StageLead.Rank(), StageProspect.Rank())
	assert.Less(t, StageProspect.Rank(), StageOpportunity.Rank())
}

func TestStage_Next(t *testing.T) {
	next, ok := StageLead.Next()
	assert.True(t, ok)
	assert.Equal(t, StageProspect, next)

	next, ok = StageProspect.Next()
	assert.True(t, ok)
	assert.Equal(t, StageOpportunity, next)

	_, ok = StageOpportunity.Next()
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{
		StatusNoInterest, StatusDoNotContact, StatusInvalidData,
		StatusDisqualified, StatusWon, StatusLost, StatusConverted,
	} {
		assert.True(t, s.Terminal(), "status %s should be terminal", s)
	}
	for _, s := range []Status{
		StatusNew, StatusResearching, StatusContacted, StatusEngaged,
		StatusProspecting, StatusQualified, StatusProgressing, StatusNegotiation,
	} {
		assert.False(t, s.Terminal(), "status %s should not be terminal", s)
	}
}

func TestIsHumanActor(t *testing.T) {
	assert.True(t, IsHumanActor(HumanActor("jdoe")))
	assert.False(t, IsHumanActor(SystemActor("intake")))
	assert.False(t, IsHumanActor(""))
}

func TestEntityRecord_AddProvenance_Dedupes(t *testing.T) {
	e := &EntityRecord{}
	e.AddProvenance("apollo")
	e.AddProvenance("clearbit")
	e.AddProvenance("apollo")
	e.AddProvenance("")

	assert.Equal(t, []string{"apollo", "clearbit"}, e.Provenance)
}

func TestEntityRecord_Clone_Independent(t *testing.T) {
	e := &EntityRecord{
		ID:         "e1",
		Fields:     map[string]string{FieldEmail: "a@b.com"},
		Provenance: []string{"apollo"},
	}
	c := e.Clone()
	c.SetField(FieldEmail, "x@y.com")
	c.AddProvenance("clearbit")

	assert.Equal(t, "a@b.com", e.Field(FieldEmail))
	assert.Equal(t, []string{"apollo"}, e.Provenance)
}
