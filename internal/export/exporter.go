// Package export pushes intake entities and suppression events to the
// downstream Salesforce org. Leads are upserted by email; prospects and
// opportunities are created on promotion. All calls go through retry and an
// optional circuit breaker.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/model"
	"github.com/sells-group/crm-intake/internal/resilience"
	"github.com/sells-group/crm-intake/pkg/salesforce"
)

// fallbackName fills Salesforce-required name fields when intake has no value.
const fallbackName = "Unknown"

// Exporter syncs entity records to Salesforce.
type Exporter struct {
	client  salesforce.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithRetry overrides the default retry configuration.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(x *Exporter) { x.retry = cfg }
}

// WithBreaker attaches a circuit breaker around every Salesforce call.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(x *Exporter) { x.breaker = cb }
}

// WithNow overrides the clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(x *Exporter) { x.now = now }
}

// New creates an Exporter on top of a Salesforce client.
func New(client salesforce.Client, opts ...Option) *Exporter {
	x := &Exporter{
		client: client,
		retry:  resilience.DefaultRetryConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// call runs fn under the retry policy, passing each attempt through the
// breaker when one is attached. Version conflicts never retry; an open
// breaker fails fast.
func (x *Exporter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if x.breaker != nil {
			return x.breaker.Execute(ctx, fn)
		}
		return fn(ctx)
	}

	cfg := x.retry
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = resilience.IsRetryable
	}
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("salesforce", op)
	}
	return resilience.Do(ctx, cfg, attempt)
}

// SyncEntity pushes one entity to Salesforce and returns the Salesforce ID.
// Leads are upserted by email so replays do not create duplicate records;
// prospects and opportunities are created fresh when their entity first syncs.
func (x *Exporter) SyncEntity(ctx context.Context, e *model.EntityRecord) (string, error) {
	if e == nil {
		return "", eris.New("export: nil entity")
	}

	switch e.Stage {
	case model.StageLead:
		return x.syncLead(ctx, e)
	case model.StageProspect:
		return x.createContact(ctx, e)
	case model.StageOpportunity:
		return x.createOpportunity(ctx, e)
	default:
		return "", eris.New(fmt.Sprintf("export: unknown stage %q", e.Stage))
	}
}

func (x *Exporter) syncLead(ctx context.Context, e *model.EntityRecord) (string, error) {
	fields := leadFields(e)

	email := e.Field(model.FieldEmail)
	var existing *salesforce.Lead
	if email != "" {
		err := x.call(ctx, "find_lead", func(ctx context.Context) error {
			var findErr error
			existing, findErr = salesforce.FindLeadByEmail(ctx, x.client, email)
			return findErr
		})
		if err != nil {
			return "", eris.Wrap(err, "export: lookup lead")
		}
	}

	if existing != nil {
		err := x.call(ctx, "update_lead", func(ctx context.Context) error {
			return salesforce.UpdateLead(ctx, x.client, existing.ID, fields)
		})
		if err != nil {
			return "", eris.Wrap(err, "export: update lead")
		}
		zap.L().Debug("export: lead updated",
			zap.String("entity_id", e.ID),
			zap.String("sf_id", existing.ID),
		)
		return existing.ID, nil
	}

	var id string
	err := x.call(ctx, "create_lead", func(ctx context.Context) error {
		var createErr error
		id, createErr = salesforce.CreateLead(ctx, x.client, fields)
		return createErr
	})
	if err != nil {
		return "", eris.Wrap(err, "export: create lead")
	}
	zap.L().Debug("export: lead created",
		zap.String("entity_id", e.ID),
		zap.String("sf_id", id),
	)
	return id, nil
}

func (x *Exporter) createContact(ctx context.Context, e *model.EntityRecord) (string, error) {
	var id string
	err := x.call(ctx, "create_contact", func(ctx context.Context) error {
		var createErr error
		id, createErr = salesforce.CreateContact(ctx, x.client, contactFields(e))
		return createErr
	})
	if err != nil {
		return "", eris.Wrap(err, "export: create contact")
	}
	return id, nil
}

func (x *Exporter) createOpportunity(ctx context.Context, e *model.EntityRecord) (string, error) {
	var id string
	err := x.call(ctx, "create_opportunity", func(ctx context.Context) error {
		var createErr error
		id, createErr = salesforce.CreateOpportunity(ctx, x.client, x.opportunityFields(e))
		return createErr
	})
	if err != nil {
		return "", eris.Wrap(err, "export: create opportunity")
	}
	return id, nil
}

// EmitSuppression delivers a do-not-contact event to Salesforce by flagging
// the matching Lead. Events without an email, or with no matching Lead, are
// logged and dropped; suppression is best-effort on the provider side and
// authoritative in the local store.
func (x *Exporter) EmitSuppression(ctx context.Context, ev model.SuppressionEvent) error {
	if ev.Email == "" {
		zap.L().Warn("export: suppression event without email",
			zap.String("origin", ev.OriginEntityID),
			zap.String("reason", ev.Reason),
		)
		return nil
	}

	var lead *salesforce.Lead
	err := x.call(ctx, "find_lead", func(ctx context.Context) error {
		var findErr error
		lead, findErr = salesforce.FindLeadByEmail(ctx, x.client, ev.Email)
		return findErr
	})
	if err != nil {
		return eris.Wrap(err, "export: lookup lead for suppression")
	}
	if lead == nil {
		zap.L().Info("export: no salesforce lead for suppression",
			zap.String("email", ev.Email),
			zap.String("origin", ev.OriginEntityID),
		)
		return nil
	}

	if err := x.call(ctx, "mark_do_not_contact", func(ctx context.Context) error {
		return salesforce.MarkDoNotContact(ctx, x.client, lead.ID)
	}); err != nil {
		return eris.Wrap(err, "export: mark do-not-contact")
	}

	zap.L().Info("export: lead suppressed",
		zap.String("email", ev.Email),
		zap.String("sf_id", lead.ID),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// leadFields maps an entity onto Salesforce Lead fields. LastName and
// Company are required by Salesforce and fall back to a placeholder.
func leadFields(e *model.EntityRecord) map[string]any {
	fields := map[string]any{
		"LastName": orFallback(e.Field(model.FieldLastName)),
		"Company":  orFallback(e.Field(model.FieldCompanyName)),
	}
	setIfPresent(fields, "FirstName", e.Field(model.FieldFirstName))
	setIfPresent(fields, "Email", e.Field(model.FieldEmail))
	setIfPresent(fields, "Phone", e.Field(model.FieldPhone))
	setIfPresent(fields, "Title", e.Field(model.FieldJobTitle))
	if len(e.Provenance) > 0 {
		fields["LeadSource"] = e.Provenance[0]
	}
	fields["Status"] = leadStatus(e.Status)
	return fields
}

func contactFields(e *model.EntityRecord) map[string]any {
	fields := map[string]any{
		"LastName": orFallback(e.Field(model.FieldLastName)),
	}
	setIfPresent(fields, "FirstName", e.Field(model.FieldFirstName))
	setIfPresent(fields, "Email", e.Field(model.FieldEmail))
	setIfPresent(fields, "Phone", e.Field(model.FieldPhone))
	setIfPresent(fields, "Title", e.Field(model.FieldJobTitle))
	return fields
}

// opportunityFields maps an entity onto Salesforce Opportunity fields.
// CloseDate is required by Salesforce; intake has no close projection, so a
// 90-day horizon from now stands in until sales updates it.
func (x *Exporter) opportunityFields(e *model.EntityRecord) map[string]any {
	name := orFallback(e.Field(model.FieldCompanyName))
	return map[string]any{
		"Name":      name + " - Intake",
		"StageName": opportunityStage(e.Status),
		"CloseDate": x.now().AddDate(0, 3, 0).Format("2006-01-02"),
	}
}

func setIfPresent(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func orFallback(v string) string {
	if v == "" {
		return fallbackName
	}
	return v
}

// leadStatus maps intake statuses onto the standard Salesforce Lead status
// picklist.
func leadStatus(s model.Status) string {
	switch s {
	case model.StatusContacted, model.StatusEngaged:
		return "Working - Contacted"
	case model.StatusConverted:
		return "Closed - Converted"
	case model.StatusNoInterest, model.StatusDoNotContact, model.StatusInvalidData:
		return "Closed - Not Converted"
	default:
		return "Open - Not Contacted"
	}
}

// opportunityStage maps intake statuses onto standard Opportunity stages.
func opportunityStage(s model.Status) string {
	switch s {
	case model.StatusProgressing:
		return "Needs Analysis"
	case model.StatusNegotiation:
		return "Negotiation/Review"
	case model.StatusWon:
		return "Closed Won"
	case model.StatusLost:
		return "Closed Lost"
	default:
		return "Qualification"
	}
}
