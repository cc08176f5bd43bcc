package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/model"
)

var storeNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedLead(t *testing.T, s EntityStore, fields map[string]string) *model.EntityRecord {
	t.Helper()
	id, err := s.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:  model.StageLead,
		Status: model.StatusNew,
		Fields: fields,
	})
	require.NoError(t, err)
	e, err := s.GetEntity(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestMemoryCreateAndGet(t *testing.T) {
	s := NewMemory().WithNow(storeNow)

	e := seedLead(t, s, map[string]string{
		model.FieldEmail:       "jane@acme.com",
		model.FieldCompanyName: "Acme Corp",
	})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, storeNow, e.CreatedAt)
	assert.Equal(t, "jane@acme.com", e.Field(model.FieldEmail))

	// Mutating the returned record must not leak into the store.
	e.SetField(model.FieldEmail, "tampered@acme.com")
	again, err := s.GetEntity(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@acme.com", again.Field(model.FieldEmail))
}

func TestMemoryGetMissing(t *testing.T) {
	s := NewMemory()
	_, err := s.GetEntity(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMemoryChildOf(t *testing.T) {
	s := NewMemory().WithNow(storeNow)

	parent := seedLead(t, s, map[string]string{model.FieldEmail: "jane@acme.com"})

	got, err := s.ChildOf(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	childID, err := s.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:    model.StageProspect,
		Status:   model.StatusNew,
		Fields:   map[string]string{model.FieldEmail: "jane@acme.com"},
		ParentID: parent.ID,
	})
	require.NoError(t, err)

	got, err = s.ChildOf(context.Background(), parent.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, childID, got.ID)
}

func TestMemoryFindCandidates(t *testing.T) {
	s := NewMemory().WithNow(storeNow)

	a := seedLead(t, s, map[string]string{model.FieldEmail: "jane@acme.com"})
	b := seedLead(t, s, map[string]string{model.FieldCompanyName: "Acme Corporation"})
	seedLead(t, s, map[string]string{model.FieldEmail: "bob@other.io"})

	got, err := s.FindCandidates(context.Background(), model.CanonicalFields{
		EmailDomain: "acme.com",
		Company:     "acme",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, b.ID)

	got, err = s.FindCandidates(context.Background(), model.CanonicalFields{EmailDomain: "unknown.org"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryApplyMergePlan(t *testing.T) {
	s := NewMemory().WithNow(storeNow)

	e := seedLead(t, s, map[string]string{model.FieldEmail: "jane@acme.com"})

	eng := merge.NewEngine(merge.DefaultPolicy()).WithNow(storeNow)
	incoming := model.IncomingRecord{
		Provider:   "clearbit",
		Fields:     map[string]string{model.FieldTechStack: "react,postgres"},
		Confidence: 90,
	}
	plan := eng.Plan(e, incoming, model.MatchCandidate{EntityID: e.ID, Class: model.MatchSame})

	updated, err := s.ApplyMergePlan(context.Background(), e.ID, plan, model.SystemActor("clearbit"))
	require.NoError(t, err)
	assert.Equal(t, "react,postgres", updated.Field(model.FieldTechStack))
	assert.Equal(t, int64(2), updated.Version)

	audits, err := s.ListAudits(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Contains(t, audits[0].FieldsOverwritten, model.FieldTechStack)
}

func TestMemoryUpdateEntityConflict(t *testing.T) {
	s := NewMemory().WithNow(storeNow)

	e := seedLead(t, s, map[string]string{model.FieldEmail: "jane@acme.com"})

	stale := e.Clone()
	stale.Version = 3 // store holds version 1

	_, err := s.UpdateEntity(context.Background(), stale)
	var conflict *model.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	fresh := e.Clone()
	fresh.Version = 2
	fresh.Status = model.StatusResearching
	updated, err := s.UpdateEntity(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResearching, updated.Status)
}
