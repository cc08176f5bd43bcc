package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var collectNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCollectAggregatesWindow(t *testing.T) {
	c := NewCollector().WithNow(collectNow)

	c.Observe(Observation{Processed: 10, Created: 6, Merged: 3, Rejected: 1, At: collectNow.Add(-1 * time.Hour)})
	c.Observe(Observation{Processed: 5, Created: 2, Merged: 1, Flagged: 1, Failed: 1, At: collectNow.Add(-2 * time.Hour)})
	// Outside the window.
	c.Observe(Observation{Processed: 100, Failed: 100, At: collectNow.Add(-48 * time.Hour)})

	snap := c.Collect(24)

	assert.Equal(t, 2, snap.Batches)
	assert.Equal(t, 15, snap.Processed)
	assert.Equal(t, 8, snap.Created)
	assert.Equal(t, 4, snap.Merged)
	assert.Equal(t, 1, snap.Flagged)
	assert.Equal(t, 1, snap.Rejected)
	assert.Equal(t, 1, snap.Failed)
	assert.InDelta(t, 1.0/15.0, snap.FailRate, 0.0001)
	assert.InDelta(t, 1.0/15.0, snap.RejectRate, 0.0001)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollectEmpty(t *testing.T) {
	c := NewCollector().WithNow(collectNow)

	snap := c.Collect(24)

	assert.Zero(t, snap.Batches)
	assert.Zero(t, snap.Processed)
	assert.Zero(t, snap.FailRate)
}

func TestCollectSuppressions(t *testing.T) {
	c := NewCollector().WithNow(collectNow)

	c.ObserveSuppression()
	c.ObserveSuppression()

	snap := c.Collect(24)
	assert.Equal(t, 2, snap.Suppressions)
}

func TestObserveDefaultsTimestamp(t *testing.T) {
	c := NewCollector().WithNow(collectNow)

	c.Observe(Observation{Processed: 1})

	snap := c.Collect(1)
	assert.Equal(t, 1, snap.Processed)
}
