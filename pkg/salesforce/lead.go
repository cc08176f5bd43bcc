package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Lead represents a Salesforce Lead record.
type Lead struct {
	ID                 string `json:"Id" salesforce:"Id"`
	FirstName          string `json:"FirstName" salesforce:"FirstName"`
	LastName           string `json:"LastName" salesforce:"LastName"`
	Email              string `json:"Email" salesforce:"Email"`
	Phone              string `json:"Phone" salesforce:"Phone"`
	Company            string `json:"Company" salesforce:"Company"`
	Title              string `json:"Title" salesforce:"Title"`
	LeadSource         string `json:"LeadSource" salesforce:"LeadSource"`
	Status             string `json:"Status" salesforce:"Status"`
	HasOptedOutOfEmail bool   `json:"HasOptedOutOfEmail" salesforce:"HasOptedOutOfEmail"`
	DoNotCall          bool   `json:"DoNotCall" salesforce:"DoNotCall"`
}

// leadFields are the SOQL fields selected for Lead queries.
var leadFields = []string{
	"Id", "FirstName", "LastName", "Email", "Phone", "Company",
	"Title", "LeadSource", "Status", "HasOptedOutOfEmail", "DoNotCall",
}

// FindLeadByEmail queries Salesforce for a Lead matching the given email.
// Returns nil if no lead is found.
func FindLeadByEmail(ctx context.Context, c Client, email string) (*Lead, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE Email = '%s' LIMIT 1",
		strings.Join(leadFields, ", "),
		escapeSoql(email),
	)

	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead by email %s", email))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// FindLeadByID queries Salesforce for a Lead by its ID.
// Returns nil if no lead is found.
func FindLeadByID(ctx context.Context, c Client, id string) (*Lead, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE Id = '%s' LIMIT 1",
		strings.Join(leadFields, ", "),
		escapeSoql(id),
	)

	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead by id %s", id))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// CreateLead creates a new Lead record and returns the new Salesforce ID.
// Salesforce requires LastName and Company on every Lead.
func CreateLead(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", eris.New("sf: lead LastName is required")
	}
	if fields["Company"] == nil || fields["Company"] == "" {
		return "", eris.New("sf: lead Company is required")
	}
	id, err := c.InsertOne(ctx, "Lead", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create lead")
	}
	return id, nil
}

// UpdateLead updates a Lead record with the given fields.
func UpdateLead(ctx context.Context, c Client, leadID string, fields map[string]any) error {
	if leadID == "" {
		return eris.New("sf: lead id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Lead", leadID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update lead %s", leadID))
	}
	return nil
}

// MarkDoNotContact flags a Lead so no further outreach reaches it. Both the
// email opt-out and the phone opt-out are set in a single update.
func MarkDoNotContact(ctx context.Context, c Client, leadID string) error {
	if leadID == "" {
		return eris.New("sf: lead id is required")
	}
	fields := map[string]any{
		"HasOptedOutOfEmail": true,
		"DoNotCall":          true,
	}
	if err := c.UpdateOne(ctx, "Lead", leadID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: mark do-not-contact %s", leadID))
	}
	return nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
