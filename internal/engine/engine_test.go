package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/resilience"
	"github.com/sells-group/crm-intake/internal/store"
)

var engineNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *store.MemoryStore, *MemoryAuditSink, *MemorySuppressionSink) {
	t.Helper()
	st := store.NewMemory().WithNow(engineNow)
	audits := &MemoryAuditSink{}
	suppressions := &MemorySuppressionSink{}
	eng := New(st, Options{Audits: audits, Suppressions: suppressions, MaxWorkers: 2}).WithNow(engineNow)
	return eng, st, audits, suppressions
}

func record(provider string, fields map[string]string) model.IncomingRecord {
	return model.IncomingRecord{
		Provider:    provider,
		Fields:      fields,
		Confidence:  80,
		RetrievedAt: engineNow,
	}
}

func TestRunCreatesDistinctLeads(t *testing.T) {
	eng, st, _, _ := newEngine(t)

	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
		record("apollo", map[string]string{model.FieldEmail: "bob@other.io"}),
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Created)
	assert.Zero(t, res.Merged)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, res.Checkpoint.Offset)

	got, err := st.FindCandidates(context.Background(), model.CanonicalFields{EmailDomain: "acme.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StageLead, got[0].Stage)
	assert.Equal(t, model.StatusNew, got[0].Status)
	assert.Equal(t, []string{"clearbit"}, got[0].Provenance)
}

func TestRunMergesSameIdentity(t *testing.T) {
	eng, st, audits, _ := newEngine(t)

	_, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
	}, Checkpoint{})
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("apollo", map[string]string{
			model.FieldEmail:     "Jane@ACME.com",
			model.FieldJobTitle:  "VP Engineering",
			model.FieldSeniority: "vp",
		}),
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Merged)
	assert.Zero(t, res.Created)

	got, err := st.FindCandidates(context.Background(), model.CanonicalFields{EmailDomain: "acme.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "VP Engineering", got[0].Field(model.FieldJobTitle))
	assert.Equal(t, []string{"clearbit", "apollo"}, got[0].Provenance)
	assert.Equal(t, int64(2), got[0].Version)

	require.Len(t, audits.All(), 1)
	assert.Contains(t, audits.All()[0].FieldsOverwritten, model.FieldJobTitle)
}

func TestRunFlagsPossibleDuplicate(t *testing.T) {
	eng, st, _, _ := newEngine(t)

	_, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{
			model.FieldFirstName:   "Jane",
			model.FieldLastName:    "Doe",
			model.FieldCompanyName: "Acme Corp",
		}),
	}, Checkpoint{})
	require.NoError(t, err)

	// Near-identical name at the same company: close enough to flag, never
	// close enough to silently merge.
	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("apollo", map[string]string{
			model.FieldFirstName:   "Jane",
			model.FieldLastName:    "Dow",
			model.FieldCompanyName: "Acme Corp",
		}),
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Flagged)
	assert.Zero(t, res.Merged)

	got, err := st.FindCandidates(context.Background(), model.CanonicalFields{Company: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	var flagged *model.EntityRecord
	for i := range got {
		if got[i].Field(model.FieldDuplicateOf) != "" {
			flagged = &got[i]
		}
	}
	require.NotNil(t, flagged)
	assert.Equal(t, "Dow", flagged.Field(model.FieldLastName))
}

func TestRunRejectsRecordWithoutDiscriminators(t *testing.T) {
	eng, _, _, _ := newEngine(t)

	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldJobTitle: "CTO"}),
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Created)
	assert.Empty(t, res.Errors)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	eng, st, _, _ := newEngine(t)

	records := []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
		record("clearbit", map[string]string{model.FieldEmail: "bob@other.io"}),
		record("clearbit", map[string]string{model.FieldEmail: "ana@third.dev"}),
	}

	first, err := eng.Run(context.Background(), records, Checkpoint{})
	require.NoError(t, err)
	require.Equal(t, 3, first.Checkpoint.Offset)

	// Replaying from the returned checkpoint is a no-op.
	second, err := eng.Run(context.Background(), records, first.Checkpoint)
	require.NoError(t, err)
	assert.Zero(t, second.Processed)

	got, err := st.FindCandidates(context.Background(), model.CanonicalFields{EmailDomain: "acme.com"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRunRetriesOnceOnConflict(t *testing.T) {
	st := &conflictOnceStore{MemoryStore: store.NewMemory().WithNow(engineNow)}
	audits := &MemoryAuditSink{}
	eng := New(st, Options{Audits: audits}).WithNow(engineNow)

	_, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
	}, Checkpoint{})
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("apollo", map[string]string{model.FieldEmail: "jane@acme.com", model.FieldJobTitle: "CTO"}),
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Merged)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, st.applyCalls)
}

func TestTransitionEmitsSuppression(t *testing.T) {
	eng, st, _, suppressions := newEngine(t)

	id, err := st.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:  model.StageLead,
		Status: model.StatusContacted,
		Fields: map[string]string{model.FieldEmail: "jane@acme.com"},
	})
	require.NoError(t, err)

	updated, err := eng.TransitionEntity(context.Background(), id, model.StatusDoNotContact, model.HumanActor("rep-7"), "requested removal")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoNotContact, updated.Status)

	events := suppressions.All()
	require.Len(t, events, 1)
	assert.Equal(t, "jane@acme.com", events[0].Email)
	assert.Equal(t, id, events[0].OriginEntityID)
	assert.Equal(t, "requested removal", events[0].Reason)
}

func TestTransitionWithoutSuppression(t *testing.T) {
	eng, st, _, suppressions := newEngine(t)

	id, err := st.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:  model.StageLead,
		Status: model.StatusNew,
		Fields: map[string]string{model.FieldEmail: "jane@acme.com"},
	})
	require.NoError(t, err)

	_, err = eng.TransitionEntity(context.Background(), id, model.StatusResearching, model.SystemActor("intake"), "")
	require.NoError(t, err)
	assert.Empty(t, suppressions.All())
}

func TestComplianceDisqualificationSuppresses(t *testing.T) {
	eng, st, _, suppressions := newEngine(t)

	id, err := st.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:  model.StageProspect,
		Status: model.StatusProspecting,
		Fields: map[string]string{model.FieldEmail: "jane@acme.com"},
	})
	require.NoError(t, err)

	_, err = eng.TransitionEntity(context.Background(), id, model.StatusDisqualified, model.HumanActor("rep-7"), ComplianceReason)
	require.NoError(t, err)
	require.Len(t, suppressions.All(), 1)
	assert.Equal(t, ComplianceReason, suppressions.All()[0].Reason)
}

func TestPromoteCreatesChildAndConvertsParent(t *testing.T) {
	eng, st, _, _ := newEngine(t)

	id, err := st.CreateEntity(context.Background(), &model.EntityRecord{
		Stage:  model.StageLead,
		Status: model.StatusEngaged,
		Fields: map[string]string{
			model.FieldEmail:         "jane@acme.com",
			model.FieldAssignedOwner: "rep-7",
		},
	})
	require.NoError(t, err)

	child, err := eng.Promote(context.Background(), id, model.HumanActor("rep-7"))
	require.NoError(t, err)
	assert.Equal(t, model.StageProspect, child.Stage)
	assert.Equal(t, id, child.ParentID)
	assert.Equal(t, "jane@acme.com", child.Field(model.FieldEmail))
	assert.Empty(t, child.Field(model.FieldAssignedOwner))

	parent, err := st.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConverted, parent.Status)

	// Replays return the existing child without touching the parent again.
	again, err := eng.Promote(context.Background(), id, model.HumanActor("rep-7"))
	require.NoError(t, err)
	assert.Equal(t, child.ID, again.ID)

	parent, err = st.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), parent.Version)
}

func TestKeyedLocksReleaseEntries(t *testing.T) {
	locks := keyedLocks{held: make(map[string]*keyedLock)}

	unlock := locks.lock("email:jane@acme.com")
	assert.Len(t, locks.held, 1)
	unlock()
	assert.Empty(t, locks.held)

	// Contended keys serialize and still drain the map afterwards.
	var wg sync.WaitGroup
	var inCritical atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.lock("email:jane@acme.com")
			defer release()
			require.Equal(t, int32(1), inCritical.Add(1))
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.held)
}

func TestRunDoesNotAccumulateLockEntries(t *testing.T) {
	eng, _, _, _ := newEngine(t)

	_, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
		record("apollo", map[string]string{model.FieldEmail: "jane@acme.com"}),
		record("apollo", map[string]string{model.FieldEmail: "bob@other.io"}),
	}, Checkpoint{})
	require.NoError(t, err)

	eng.locks.mu.Lock()
	defer eng.locks.mu.Unlock()
	assert.Empty(t, eng.locks.held)
}

func TestRunDeadLettersFailedRecords(t *testing.T) {
	st := &failingCreateStore{MemoryStore: store.NewMemory().WithNow(engineNow)}
	sink := &memoryDeadLetters{}
	eng := New(st, Options{DeadLetters: sink}).WithNow(engineNow)

	res, err := eng.Run(context.Background(), []model.IncomingRecord{
		record("clearbit", map[string]string{model.FieldEmail: "jane@acme.com"}),
		record("apollo", map[string]string{model.FieldJobTitle: "CTO"}), // rejected, never queued
	}, Checkpoint{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Rejected)
	// The checkpoint advances past the failure; the queue is the replay path.
	assert.Equal(t, 2, res.Checkpoint.Offset)

	entries := sink.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "clearbit", entries[0].Record.Provider)
	assert.Equal(t, "jane@acme.com", entries[0].Record.Fields[model.FieldEmail])
	assert.Equal(t, "transient", entries[0].ErrorType)
	assert.True(t, entries[0].CanRetry())
}

// failingCreateStore simulates an unavailable backing store.
type failingCreateStore struct {
	*store.MemoryStore
}

func (s *failingCreateStore) CreateEntity(context.Context, *model.EntityRecord) (string, error) {
	return "", resilience.NewTransientError(errors.New("entity store unavailable"), 503)
}

type memoryDeadLetters struct {
	mu      sync.Mutex
	entries []resilience.DLQEntry
}

func (m *memoryDeadLetters) Enqueue(_ context.Context, e resilience.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryDeadLetters) All() []resilience.DLQEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]resilience.DLQEntry(nil), m.entries...)
}

// conflictOnceStore fails the first merge application with a version
// conflict to exercise the single re-resolve.
type conflictOnceStore struct {
	*store.MemoryStore
	applyCalls int
}

func (s *conflictOnceStore) ApplyMergePlan(ctx context.Context, id string, plan model.MergePlan, actor string) (*model.EntityRecord, error) {
	s.applyCalls++
	if s.applyCalls == 1 {
		return nil, &model.ConflictError{EntityID: id, ExpectedVersion: plan.BaseVersion, ActualVersion: plan.BaseVersion + 1}
	}
	return s.MemoryStore.ApplyMergePlan(ctx, id, plan, actor)
}
