// Package engine orchestrates intake: canonicalize, resolve, merge or
// create, and drive workflow transitions, with per-entity serialization
// and checkpointed batch progress.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-intake/internal/canonical"
	"github.com/sells-group/crm-intake/internal/merge"
	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/resilience"
	"github.com/sells-group/crm-intake/internal/resolve"
	"github.com/sells-group/crm-intake/internal/store"
	"github.com/sells-group/crm-intake/internal/workflow"
)

// Options configures an Engine. Zero-value fields fall back to defaults.
type Options struct {
	Resolver     *resolve.Resolver
	Merger       *merge.Engine
	Machine      *workflow.Machine
	Audits       AuditSink
	Suppressions SuppressionSink

	// DeadLetters receives records that failed on store or downstream
	// errors. Nil means failures are only counted and logged.
	DeadLetters resilience.DeadLetterSink

	// MaxWorkers bounds concurrent record processing. Default: 4.
	MaxWorkers int
}

// Engine wires the intake stages together over an EntityStore.
type Engine struct {
	store        store.EntityStore
	resolver     *resolve.Resolver
	merger       *merge.Engine
	machine      *workflow.Machine
	audits       AuditSink
	suppressions SuppressionSink
	deadLetters  resilience.DeadLetterSink
	maxWorkers   int
	locks        keyedLocks
	now          func() time.Time
}

// New creates an Engine over the given store.
func New(st store.EntityStore, opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = resolve.New(resolve.Default())
	}
	if opts.Merger == nil {
		opts.Merger = merge.NewEngine(merge.DefaultPolicy())
	}
	if opts.Machine == nil {
		opts.Machine = workflow.New(nil)
	}
	if opts.Audits == nil {
		opts.Audits = ZapAuditSink{}
	}
	if opts.Suppressions == nil {
		opts.Suppressions = ZapSuppressionSink{}
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	return &Engine{
		store:        st,
		resolver:     opts.Resolver,
		merger:       opts.Merger,
		machine:      opts.Machine,
		audits:       opts.Audits,
		suppressions: opts.Suppressions,
		deadLetters:  opts.DeadLetters,
		maxWorkers:   opts.MaxWorkers,
		locks:        keyedLocks{held: make(map[string]*keyedLock)},
		now:          time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(t time.Time) *Engine {
	e.now = func() time.Time { return t }
	return e
}

// Outcome classifies what happened to one processed record.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeMerged   Outcome = "merged"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// RecordError captures a per-record failure without aborting the batch.
type RecordError struct {
	Index    int    `json:"index"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// Checkpoint marks how far a batch has progressed. Offset is the count of
// records fully attempted from the front of the input; re-running with the
// same input and checkpoint resumes after them.
type Checkpoint struct {
	Offset int `json:"offset"`
}

// BatchResult summarizes one Run call.
type BatchResult struct {
	Processed  int           `json:"processed"`
	Created    int           `json:"created"`
	Merged     int           `json:"merged"`
	Flagged    int           `json:"flagged"`
	Rejected   int           `json:"rejected"`
	Failed     int           `json:"failed"`
	Errors     []RecordError `json:"errors,omitempty"`
	Checkpoint Checkpoint    `json:"checkpoint"`
}

// Run processes records[checkpoint.Offset:] with bounded concurrency.
// Records that fail canonicalization are counted as rejected; store
// failures are recorded per record, offered to the dead letter sink
// when one is configured, and do not abort the batch. The
// returned checkpoint covers the contiguous prefix of attempted records,
// so a cancelled run can resume without skipping work.
func (e *Engine) Run(ctx context.Context, records []model.IncomingRecord, checkpoint Checkpoint) (*BatchResult, error) {
	start := checkpoint.Offset
	if start < 0 {
		start = 0
	}
	if start > len(records) {
		start = len(records)
	}

	res := &BatchResult{Checkpoint: Checkpoint{Offset: start}}
	pending := records[start:]
	if len(pending) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	attempted := make([]bool, len(pending))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)

	for i, rec := range pending {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			outcome, err := e.processRecord(gCtx, rec)
			if outcome == OutcomeFailed && err != nil && e.deadLetters != nil {
				// The checkpoint advances past this record; the queue is
				// what keeps it replayable.
				entry := resilience.NewDLQEntry(rec, err, e.now().UTC())
				if qerr := e.deadLetters.Enqueue(gCtx, entry); qerr != nil {
					zap.L().Warn("engine: dead letter enqueue failed",
						zap.String("provider", rec.Provider),
						zap.Error(qerr),
					)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			attempted[i] = true
			res.Processed++
			switch outcome {
			case OutcomeCreated:
				res.Created++
			case OutcomeMerged:
				res.Merged++
			case OutcomeFlagged:
				res.Flagged++
			case OutcomeRejected:
				res.Rejected++
			case OutcomeFailed:
				res.Failed++
			}
			if err != nil {
				res.Errors = append(res.Errors, RecordError{
					Index:    start + i,
					Provider: rec.Provider,
					Message:  err.Error(),
				})
			}
			return nil
		})
	}

	runErr := g.Wait()

	// Advance past the contiguous prefix of attempted records only, so a
	// cancelled batch never skips an unprocessed record on resume.
	offset := start
	for _, done := range attempted {
		if !done {
			break
		}
		offset++
	}
	res.Checkpoint.Offset = offset

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return res, eris.Wrap(runErr, "engine: batch run")
	}
	zap.L().Info("engine: batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("created", res.Created),
		zap.Int("merged", res.Merged),
		zap.Int("flagged", res.Flagged),
		zap.Int("rejected", res.Rejected),
		zap.Int("failed", res.Failed),
	)
	return res, runErr
}

// processRecord runs one record through canonicalize -> resolve -> merge
// or create. A version conflict means another worker advanced the matched
// entity first; the record is re-resolved once against fresh state.
func (e *Engine) processRecord(ctx context.Context, rec model.IncomingRecord) (Outcome, error) {
	cf, err := canonical.Canonicalize(rec)
	if err != nil {
		var cerr *model.CanonicalizationError
		if errors.As(err, &cerr) {
			zap.L().Debug("engine: record rejected",
				zap.String("provider", rec.Provider),
				zap.Strings("missing", cerr.Missing),
			)
			return OutcomeRejected, nil
		}
		return OutcomeFailed, err
	}

	unlock := e.locks.lock(conflictKey(cf))
	defer unlock()

	outcome, err := e.resolveAndApply(ctx, rec, cf)
	var conflict *model.ConflictError
	if errors.As(err, &conflict) {
		zap.L().Debug("engine: merge conflict, re-resolving",
			zap.String("entity_id", conflict.EntityID),
			zap.Int64("actual_version", conflict.ActualVersion),
		)
		outcome, err = e.resolveAndApply(ctx, rec, cf)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (e *Engine) resolveAndApply(ctx context.Context, rec model.IncomingRecord, cf model.CanonicalFields) (Outcome, error) {
	candidates, err := e.store.FindCandidates(ctx, cf)
	if err != nil {
		return OutcomeFailed, err
	}

	matches := e.resolver.Resolve(cf, candidates)
	actor := model.SystemActor(rec.Provider)

	if len(matches) > 0 {
		best := matches[0]
		switch best.Class {
		case model.MatchSame:
			plan := e.merger.Plan(best.Entity, rec, best)
			if _, err := e.store.ApplyMergePlan(ctx, best.EntityID, plan, actor); err != nil {
				return OutcomeFailed, err
			}
			if err := e.audits.EmitAudit(ctx, plan.Audit(e.now().UTC())); err != nil {
				zap.L().Warn("engine: audit sink failed", zap.Error(err))
			}
			return OutcomeMerged, nil

		case model.MatchPossibleDuplicate:
			entity := e.entityFromRecord(rec, actor)
			entity.SetField(model.FieldDuplicateOf, best.EntityID)
			if _, err := e.store.CreateEntity(ctx, entity); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeFlagged, nil
		}
	}

	if _, err := e.store.CreateEntity(ctx, e.entityFromRecord(rec, actor)); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeCreated, nil
}

// entityFromRecord builds a fresh lead from one incoming record.
func (e *Engine) entityFromRecord(rec model.IncomingRecord, actor string) *model.EntityRecord {
	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return &model.EntityRecord{
		Stage:             model.StageLead,
		Status:            model.InitialStatus(model.StageLead),
		Fields:            fields,
		LastModifiedActor: actor,
		Provenance:        []string{rec.Provider},
	}
}

// TransitionEntity moves a stored entity to the target status and emits a
// suppression event for do-not-contact and compliance disqualification.
// Reason is free text recorded on the suppression event.
func (e *Engine) TransitionEntity(ctx context.Context, id string, target model.Status, actor, reason string) (*model.EntityRecord, error) {
	entity, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := e.machine.Transition(entity, target, actor)
	if err != nil {
		return nil, err
	}

	persisted, err := e.store.UpdateEntity(ctx, updated)
	if err != nil {
		return nil, err
	}

	if suppresses(target, reason) {
		ev := model.SuppressionEvent{
			Email:          persisted.Field(model.FieldEmail),
			Reason:         reason,
			OriginEntityID: persisted.ID,
			Timestamp:      e.now().UTC(),
		}
		if err := e.suppressions.EmitSuppression(ctx, ev); err != nil {
			zap.L().Warn("engine: suppression sink failed", zap.Error(err))
		}
	}
	return persisted, nil
}

// ComplianceReason marks a disqualification that must propagate to
// suppression lists.
const ComplianceReason = "compliance"

func suppresses(target model.Status, reason string) bool {
	if target == model.StatusDoNotContact {
		return true
	}
	return target == model.StatusDisqualified && reason == ComplianceReason
}

// Promote advances an eligible entity to the next stage. If a child
// already exists for the parent, it is returned unchanged; otherwise the
// child is created and the parent is marked converted atomically from the
// caller's point of view.
func (e *Engine) Promote(ctx context.Context, id, actor string) (*model.EntityRecord, error) {
	entity, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	existingChild, err := e.store.ChildOf(ctx, id)
	if err != nil {
		return nil, err
	}

	child, converted, err := e.machine.Promote(entity, existingChild, actor)
	if err != nil {
		return nil, err
	}
	if converted == nil {
		// Idempotent replay: the child was already created.
		return child, nil
	}

	if _, err := e.store.CreateEntity(ctx, child); err != nil {
		return nil, err
	}
	if _, err := e.store.UpdateEntity(ctx, converted); err != nil {
		return nil, eris.Wrapf(err, "engine: mark %s converted", id)
	}

	zap.L().Info("engine: promoted",
		zap.String("parent_id", id),
		zap.String("child_id", child.ID),
		zap.String("stage", string(child.Stage)),
	)
	return child, nil
}

// conflictKey picks the strongest canonical discriminator so concurrent
// records for the same identity serialize on one lock.
func conflictKey(cf model.CanonicalFields) string {
	switch {
	case cf.Email != "":
		return "email:" + cf.Email
	case cf.Phone != "":
		return "phone:" + cf.Phone
	default:
		return "company:" + cf.Company + "/" + cf.FullName
	}
}

// keyedLocks serializes work per conflict key without holding a global
// lock during processing. Entries are reference-counted and removed when
// the last holder releases, so the map does not grow with every identity
// a long-lived process has ever seen.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyedLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
