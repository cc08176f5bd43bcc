// Package store is the persistence boundary for entities and audit
// records. All state changes cross here into durable storage; the decision
// core itself touches no disk or network.
package store

import (
	"context"

	"github.com/sells-group/crm-intake/internal/model"
)

// EntityStore persists entities. ApplyMergePlan and UpdateEntity enforce
// optimistic versioning: writing against a stale version yields a
// model.ConflictError and the caller re-resolves against the updated
// entity.
type EntityStore interface {
	// CreateEntity persists a new entity and returns its identifier.
	CreateEntity(ctx context.Context, e *model.EntityRecord) (string, error)

	// GetEntity loads one entity. Returns an error for unknown IDs;
	// entities are never deleted, so absence is never expected.
	GetEntity(ctx context.Context, id string) (*model.EntityRecord, error)

	// ChildOf returns the entity promoted from parentID, or nil when the
	// parent has not been promoted. Promotion is 1:1.
	ChildOf(ctx context.Context, parentID string) (*model.EntityRecord, error)

	// FindCandidates returns entities worth scoring against the given
	// canonical fields, using email-domain and company-name prefix
	// indexes to bound the set. Correctness of resolution does not
	// depend on recall here, only efficiency.
	FindCandidates(ctx context.Context, cf model.CanonicalFields) ([]model.EntityRecord, error)

	// ApplyMergePlan applies a plan all-or-nothing and returns the
	// updated entity.
	ApplyMergePlan(ctx context.Context, id string, plan model.MergePlan, actor string) (*model.EntityRecord, error)

	// UpdateEntity persists an already-validated entity mutation (a
	// workflow transition or promotion conversion). The given record's
	// Version must be exactly one ahead of the stored version.
	UpdateEntity(ctx context.Context, e *model.EntityRecord) (*model.EntityRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// AuditStore persists the merge audit trail. The trail is queryable
// output for support and compliance, not a log.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
	ListAudits(ctx context.Context, entityID string) ([]model.AuditRecord, error)
}

// companyPrefixLen bounds the company-name prefix index key.
const companyPrefixLen = 4

func companyPrefix(companyCanonical string) string {
	if len(companyCanonical) > companyPrefixLen {
		return companyCanonical[:companyPrefixLen]
	}
	return companyCanonical
}
