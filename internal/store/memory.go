package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/model"
)

// MemoryStore is the in-memory reference implementation of EntityStore and
// AuditStore. A single mutex serializes writes, which also satisfies the
// at-most-one in-flight merge per entity contract.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*model.EntityRecord
	byParent map[string]string
	audits   map[string][]model.AuditRecord
	now      func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*model.EntityRecord),
		byParent: make(map[string]string),
		audits:   make(map[string][]model.AuditRecord),
		now:      time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *MemoryStore) WithNow(t time.Time) *MemoryStore {
	s.now = func() time.Time { return t }
	return s
}

func (s *MemoryStore) CreateEntity(_ context.Context, e *model.EntityRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := e.Clone()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if _, exists := s.entities[rec.ID]; exists {
		return "", eris.Errorf("memory: entity %s already exists", rec.ID)
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	s.entities[rec.ID] = rec
	if rec.ParentID != "" {
		s.byParent[rec.ParentID] = rec.ID
	}
	return rec.ID, nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*model.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, eris.Errorf("memory: entity %s not found", id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ChildOf(_ context.Context, parentID string) (*model.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	childID, ok := s.byParent[parentID]
	if !ok {
		return nil, nil
	}
	return s.entities[childID].Clone(), nil
}

func (s *MemoryStore) FindCandidates(_ context.Context, cf model.CanonicalFields) ([]model.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := companyPrefix(cf.Company)
	out := make([]model.EntityRecord, 0)
	for _, e := range s.entities {
		ef := canonical.FromFields(e.Fields)
		switch {
		case cf.EmailDomain != "" && ef.EmailDomain == cf.EmailDomain:
		case prefix != "" && companyPrefix(ef.Company) == prefix:
		case cf.Phone != "" && ef.Phone == cf.Phone:
		default:
			continue
		}
		out = append(out, *e.Clone())
	}
	// Stable order keeps batch runs reproducible.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ApplyMergePlan(_ context.Context, id string, plan model.MergePlan, actor string) (*model.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entities[id]
	if !ok {
		return nil, eris.Errorf("memory: entity %s not found", id)
	}

	updated, audit, err := merge.Apply(existing, plan, actor, s.now())
	if err != nil {
		return nil, err
	}
	s.entities[id] = updated
	s.audits[id] = append(s.audits[id], audit)
	return updated.Clone(), nil
}

func (s *MemoryStore) UpdateEntity(_ context.Context, e *model.EntityRecord) (*model.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entities[e.ID]
	if !ok {
		return nil, eris.Errorf("memory: entity %s not found", e.ID)
	}
	if e.Version != current.Version+1 {
		return nil, &model.ConflictError{
			EntityID:        e.ID,
			ExpectedVersion: e.Version - 1,
			ActualVersion:   current.Version,
		}
	}

	rec := e.Clone()
	s.entities[e.ID] = rec
	if rec.ParentID != "" {
		s.byParent[rec.ParentID] = rec.ID
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[rec.EntityID] = append(s.audits[rec.EntityID], rec)
	return nil
}

func (s *MemoryStore) ListAudits(_ context.Context, entityID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditRecord(nil), s.audits[entityID]...), nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
