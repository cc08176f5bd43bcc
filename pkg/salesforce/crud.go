package salesforce

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

// CreateContact creates a new Contact record and returns the new Salesforce
// ID. Salesforce requires LastName on every Contact.
func CreateContact(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", eris.New("sf: contact LastName is required")
	}
	id, err := c.InsertOne(ctx, "Contact", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create contact")
	}
	return id, nil
}

// UpdateContact updates a Contact record with the given fields.
func UpdateContact(ctx context.Context, c Client, contactID string, fields map[string]any) error {
	if contactID == "" {
		return eris.New("sf: contact id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Contact", contactID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update contact %s", contactID))
	}
	return nil
}

// CreateOpportunity creates a new Opportunity record and returns the new
// Salesforce ID. Name, StageName, and CloseDate are required by Salesforce.
func CreateOpportunity(ctx context.Context, c Client, fields map[string]any) (string, error) {
	for _, required := range []string{"Name", "StageName", "CloseDate"} {
		if fields[required] == nil || fields[required] == "" {
			return "", eris.New(fmt.Sprintf("sf: opportunity %s is required", required))
		}
	}
	id, err := c.InsertOne(ctx, "Opportunity", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create opportunity")
	}
	return id, nil
}

// UpdateOpportunity updates an Opportunity record with the given fields.
func UpdateOpportunity(ctx context.Context, c Client, opportunityID string, fields map[string]any) error {
	if opportunityID == "" {
		return eris.New("sf: opportunity id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Opportunity", opportunityID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update opportunity %s", opportunityID))
	}
	return nil
}
