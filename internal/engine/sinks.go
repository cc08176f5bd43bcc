package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/model"
)

// AuditSink receives merge audit records as they are produced. The store
// persists audits on its own; sinks are for outward delivery (logs,
// downstream CRM, review queues).
type AuditSink interface {
	EmitAudit(ctx context.Context, rec model.AuditRecord) error
}

// SuppressionSink receives suppression events when an entity enters
// do-not-contact or is disqualified for compliance reasons.
type SuppressionSink interface {
	EmitSuppression(ctx context.Context, ev model.SuppressionEvent) error
}

// ZapAuditSink writes audit summaries to the global logger.
type ZapAuditSink struct{}

func (ZapAuditSink) EmitAudit(_ context.Context, rec model.AuditRecord) error {
	zap.L().Info("engine: merge audit",
		zap.String("entity_id", rec.EntityID),
		zap.Strings("overwritten", rec.FieldsOverwritten),
		zap.Strings("preserved", rec.FieldsPreserved),
	)
	return nil
}

// ZapSuppressionSink writes suppression events to the global logger.
type ZapSuppressionSink struct{}

func (ZapSuppressionSink) EmitSuppression(_ context.Context, ev model.SuppressionEvent) error {
	zap.L().Warn("engine: suppression",
		zap.String("email", ev.Email),
		zap.String("reason", ev.Reason),
		zap.String("origin", ev.OriginEntityID),
	)
	return nil
}

// MemoryAuditSink collects audits in memory. Used in tests and dry runs.
type MemoryAuditSink struct {
	mu      sync.Mutex
	Records []model.AuditRecord
}

func (s *MemoryAuditSink) EmitAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, rec)
	return nil
}

// All returns a copy of the collected audits.
func (s *MemoryAuditSink) All() []model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditRecord, len(s.Records))
	copy(out, s.Records)
	return out
}

// MemorySuppressionSink collects suppression events in memory.
type MemorySuppressionSink struct {
	mu     sync.Mutex
	Events []model.SuppressionEvent
}

func (s *MemorySuppressionSink) EmitSuppression(_ context.Context, ev model.SuppressionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

// All returns a copy of the collected events.
func (s *MemorySuppressionSink) All() []model.SuppressionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SuppressionEvent, len(s.Events))
	copy(out, s.Events)
	return out
}
