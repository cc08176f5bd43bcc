// Package monitoring aggregates intake outcomes and raises webhook alerts
// when failure or reject rates drift out of bounds.
package monitoring

import (
	"sync"
	"time"
)

// Observation is the outcome summary of one intake batch.
type Observation struct {
	Processed int       `json:"processed"`
	Created   int       `json:"created"`
	Merged    int       `json:"merged"`
	Flagged   int       `json:"flagged"`
	Rejected  int       `json:"rejected"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}

// MetricsSnapshot holds a point-in-time view of intake health over the
// lookback window.
type MetricsSnapshot struct {
	Batches    int     `json:"batches"`
	Processed  int     `json:"processed"`
	Created    int     `json:"created"`
	Merged     int     `json:"merged"`
	Flagged    int     `json:"flagged"`
	Rejected   int     `json:"rejected"`
	Failed     int     `json:"failed"`
	FailRate   float64 `json:"fail_rate"`
	RejectRate float64 `json:"reject_rate"`

	Suppressions int `json:"suppressions"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector accumulates batch observations in memory. Observations older
// than the longest lookback anyone asks for are pruned lazily.
type Collector struct {
	mu           sync.Mutex
	observations []Observation
	suppressions []time.Time
	now          func() time.Time
}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (c *Collector) WithNow(t time.Time) *Collector {
	c.now = func() time.Time { return t }
	return c
}

// Observe records one batch outcome.
func (c *Collector) Observe(obs Observation) {
	if obs.At.IsZero() {
		obs.At = c.now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, obs)
}

// ObserveSuppression records one emitted suppression event.
func (c *Collector) ObserveSuppression() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressions = append(c.suppressions, c.now().UTC())
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(lookbackHours int) *MetricsSnapshot {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   c.now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, obs := range c.observations {
		if obs.At.Before(cutoff) {
			continue
		}
		snap.Batches++
		snap.Processed += obs.Processed
		snap.Created += obs.Created
		snap.Merged += obs.Merged
		snap.Flagged += obs.Flagged
		snap.Rejected += obs.Rejected
		snap.Failed += obs.Failed
	}
	for _, at := range c.suppressions {
		if !at.Before(cutoff) {
			snap.Suppressions++
		}
	}

	if snap.Processed > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Processed)
		snap.RejectRate = float64(snap.Rejected) / float64(snap.Processed)
	}
	return snap
}
