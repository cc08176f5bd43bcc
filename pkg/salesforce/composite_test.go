package salesforce

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpdateLeads(t *testing.T) {
	t.Run("empty updates returns nil", func(t *testing.T) {
		mock := &mockClient{}
		results, err := BulkUpdateLeads(context.Background(), mock, nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("single batch under 200", func(t *testing.T) {
		var callCount int
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, sObject string, records []CollectionRecord) ([]CollectionResult, error) {
				callCount++
				assert.Equal(t, "Lead", sObject)
				results := make([]CollectionResult, len(records))
				for i, r := range records {
					results[i] = CollectionResult{ID: r.ID, Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkUpdateLeads(context.Background(), mock, makeLeadUpdates(50))
		require.NoError(t, err)
		assert.Len(t, results, 50)
		assert.Equal(t, 1, callCount)
	})

	t.Run("exact 200 is single batch", func(t *testing.T) {
		var callCount int
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
				callCount++
				assert.Len(t, records, 200)
				results := make([]CollectionResult, len(records))
				for i, r := range records {
					results[i] = CollectionResult{ID: r.ID, Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkUpdateLeads(context.Background(), mock, makeLeadUpdates(200))
		require.NoError(t, err)
		assert.Len(t, results, 200)
		assert.Equal(t, 1, callCount)
	})

	t.Run("splits into batches of 200", func(t *testing.T) {
		var batchSizes []int
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
				batchSizes = append(batchSizes, len(records))
				results := make([]CollectionResult, len(records))
				for i, r := range records {
					results[i] = CollectionResult{ID: r.ID, Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkUpdateLeads(context.Background(), mock, makeLeadUpdates(450))
		require.NoError(t, err)
		assert.Len(t, results, 450)
		require.Len(t, batchSizes, 3)
		assert.Equal(t, 200, batchSizes[0])
		assert.Equal(t, 200, batchSizes[1])
		assert.Equal(t, 50, batchSizes[2])
	})

	t.Run("fields pass through unchanged", func(t *testing.T) {
		var captured []CollectionRecord
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
				captured = records
				results := make([]CollectionResult, len(records))
				for i, r := range records {
					results[i] = CollectionResult{ID: r.ID, Success: true}
				}
				return results, nil
			},
		}

		updates := []LeadUpdate{
			{ID: "00Qaa", Fields: map[string]any{"Title": "CTO", "Phone": "555-0100"}},
			{ID: "00Qbb", Fields: map[string]any{"Status": "Working"}},
		}

		results, err := BulkUpdateLeads(context.Background(), mock, updates)
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Len(t, captured, 2)
		assert.Equal(t, "00Qaa", captured[0].ID)
		assert.Equal(t, "CTO", captured[0].Fields["Title"])
		assert.Equal(t, "00Qbb", captured[1].ID)
		assert.Equal(t, "Working", captured[1].Fields["Status"])
	})

	t.Run("error in second batch returns partial results", func(t *testing.T) {
		callCount := 0
		mock := &mockClient{
			updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
				callCount++
				if callCount == 2 {
					return nil, errors.New("rate limit exceeded")
				}
				results := make([]CollectionResult, len(records))
				for i, r := range records {
					results[i] = CollectionResult{ID: r.ID, Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkUpdateLeads(context.Background(), mock, makeLeadUpdates(250))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bulk update leads")
		assert.Len(t, results, 200) // first batch succeeded
	})
}

func TestBulkCreateLeads(t *testing.T) {
	t.Run("empty records returns nil", func(t *testing.T) {
		mock := &mockClient{}
		results, err := BulkCreateLeads(context.Background(), mock, nil)
		require.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("single batch under 200", func(t *testing.T) {
		var callCount int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, sObject string, records []map[string]any) ([]CollectionResult, error) {
				callCount++
				assert.Equal(t, "Lead", sObject)
				results := make([]CollectionResult, len(records))
				for i := range records {
					results[i] = CollectionResult{ID: fmt.Sprintf("00QNEW%03d", i), Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkCreateLeads(context.Background(), mock, makeLeadRecords(50))
		require.NoError(t, err)
		assert.Len(t, results, 50)
		assert.Equal(t, 1, callCount)
		assert.Equal(t, "00QNEW000", results[0].ID)
		assert.True(t, results[0].Success)
	})

	t.Run("201 splits into two batches", func(t *testing.T) {
		var batchSizes []int
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				batchSizes = append(batchSizes, len(records))
				results := make([]CollectionResult, len(records))
				for i := range records {
					results[i] = CollectionResult{ID: "00Qxx", Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkCreateLeads(context.Background(), mock, makeLeadRecords(201))
		require.NoError(t, err)
		assert.Len(t, results, 201)
		require.Len(t, batchSizes, 2)
		assert.Equal(t, 200, batchSizes[0])
		assert.Equal(t, 1, batchSizes[1])
	})

	t.Run("error in second batch returns partial results", func(t *testing.T) {
		callCount := 0
		mock := &mockClient{
			insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
				callCount++
				if callCount == 2 {
					return nil, errors.New("rate limit exceeded")
				}
				results := make([]CollectionResult, len(records))
				for i := range records {
					results[i] = CollectionResult{ID: "00Qxx", Success: true}
				}
				return results, nil
			},
		}

		results, err := BulkCreateLeads(context.Background(), mock, makeLeadRecords(250))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bulk create leads")
		assert.Len(t, results, 200) // First batch succeeded.
	})
}

func TestMaxBatchSizeConstant(t *testing.T) {
	assert.Equal(t, 200, maxBatchSize)
}

func makeLeadRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"LastName": fmt.Sprintf("Lead%d", i),
			"Company":  "Acme Corp",
		}
	}
	return records
}

func makeLeadUpdates(n int) []LeadUpdate {
	updates := make([]LeadUpdate, n)
	for i := range updates {
		updates[i] = LeadUpdate{
			ID:     fmt.Sprintf("00Q%06d", i),
			Fields: map[string]any{"Status": "Working"},
		}
	}
	return updates
}
