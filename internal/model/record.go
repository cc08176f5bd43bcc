package model

import "time"

// IncomingRecord is one provider's view of a contact/company at a point in
// time. It is immutable once received; canonicalization derives from it and
// never writes back.
type IncomingRecord struct {
	Provider    string            `json:"provider"`
	Fields      map[string]string `json:"fields"`
	Confidence  int               `json:"confidence"` // 0-100 source confidence
	RetrievedAt time.Time         `json:"retrieved_at"`
}

// Field returns the named raw field value, trimmed of surrounding whitespace.
func (r IncomingRecord) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return trimmed(r.Fields[key])
}

// CanonicalFields is the normalized projection of an IncomingRecord used for
// comparison. It is computed fresh for every comparison and never persisted
// independently of its source record.
type CanonicalFields struct {
	Email        string `json:"email"`
	EmailDomain  string `json:"email_domain"`
	Phone        string `json:"phone"`         // national number, digits only
	PhoneCountry string `json:"phone_country"` // best-guess calling code, may be empty
	Company      string `json:"company"`
	FullName     string `json:"full_name"`
}

// Field keys for the closed field model. Raw provider payloads and entity
// field maps are both keyed by these.
const (
	FieldEmail     = "email"
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldPhone     = "phone"
	FieldJobTitle  = "job_title"

	FieldCompanyName  = "company_name"
	FieldHeadquarters = "headquarters"
	FieldFoundedYear  = "founded_year"
	FieldRevenueRange = "revenue_range"

	FieldTechStack    = "tech_stack"
	FieldSeniority    = "seniority"
	FieldIntentSignal = "intent_signal"

	FieldServices      = "services"
	FieldGrowthSignals = "growth_signals"
	FieldPipelineNotes = "pipeline_notes"

	FieldAssignedOwner = "assigned_owner"
	FieldPriority      = "priority"
	FieldManualNotes   = "manual_notes"

	FieldPainPoints  = "pain_points"
	FieldBudgetRange = "budget_range"
	FieldTimeframe   = "timeframe"
	FieldFitScore    = "fit_score"

	// FieldDuplicateOf marks an entity created from a possible-duplicate
	// match; it holds the ID of the entity it may duplicate.
	FieldDuplicateOf = "possible_duplicate_of"
)

// FieldCategory assigns a merge rule to a field key.
type FieldCategory string

const (
	CategoryProtected   FieldCategory = "protected"
	CategoryEnrichment  FieldCategory = "enrichment"
	CategoryConditional FieldCategory = "conditional"
)

// PriorityGroup buckets field keys for per-group source-priority ordering.
type PriorityGroup string

const (
	PriorityContact           PriorityGroup = "contact"
	PriorityCompany           PriorityGroup = "company"
	PriorityEmailVerification PriorityGroup = "email_verification"
	PriorityPhone             PriorityGroup = "phone"
)
