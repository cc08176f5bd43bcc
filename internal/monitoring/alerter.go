package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertIntakeFailureRate AlertType = "intake_failure_rate"
	AlertRejectRate        AlertType = "reject_rate"
	AlertFlaggedBacklog    AlertType = "flagged_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate checks need at least 5 processed records so a single bad record in
// a quiet window does not page anyone.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.Processed >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertIntakeFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Intake failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, snap.Processed, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.Failed,
				"processed": snap.Processed,
			},
			Timestamp: now,
		})
	}

	if snap.Processed >= 5 && snap.RejectRate > a.cfg.RejectRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRejectRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Intake reject rate %.1f%% exceeds threshold %.1f%% (%d rejected / %d processed in last %dh); a provider may have changed its schema",
				snap.RejectRate*100, a.cfg.RejectRateThreshold*100,
				snap.Rejected, snap.Processed, snap.LookbackHours,
			),
			Details: map[string]any{
				"reject_rate": snap.RejectRate,
				"threshold":   a.cfg.RejectRateThreshold,
				"rejected":    snap.Rejected,
				"processed":   snap.Processed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.FlaggedBacklogMax > 0 && snap.Flagged > a.cfg.FlaggedBacklogMax {
		alerts = append(alerts, Alert{
			Type:     AlertFlaggedBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d possible duplicates flagged in last %dh exceed review backlog limit %d",
				snap.Flagged, snap.LookbackHours, a.cfg.FlaggedBacklogMax,
			),
			Details: map[string]any{
				"flagged": snap.Flagged,
				"limit":   a.cfg.FlaggedBacklogMax,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
