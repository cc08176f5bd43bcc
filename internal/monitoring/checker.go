package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crm-intake/internal/config"
)

// finalSweepTimeout bounds webhook delivery during shutdown.
const finalSweepTimeout = 10 * time.Second

// Checker evaluates intake health on a timer while a batch runs and
// pushes threshold breaches to the webhook. Cancelling its context
// triggers one last sweep, so batches shorter than the check interval
// still alert.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker builds a checker over a shared collector. A non-positive
// check interval falls back to five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run blocks until ctx is cancelled. The shutdown sweep runs on a fresh
// context; the cancelled one would abort the webhook POST mid-flight.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sweepCtx, cancel := context.WithTimeout(context.Background(), finalSweepTimeout)
			triggered, sent := c.sweep(sweepCtx, log)
			cancel()
			log.Info("alert checker stopped",
				zap.Int("final_alerts", triggered),
				zap.Int("final_sent", sent),
			)
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

// sweep collects one snapshot, evaluates thresholds, and delivers any
// breaches. Returns how many alerts triggered and how many were sent.
func (c *Checker) sweep(ctx context.Context, log *zap.Logger) (triggered, sent int) {
	snap := c.collector.Collect(c.lookback)
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("intake health within thresholds",
			zap.Int("processed", snap.Processed),
			zap.Float64("fail_rate", snap.FailRate),
		)
		return 0, 0
	}

	sent = c.alerter.SendAlerts(ctx, alerts)
	log.Warn("intake health thresholds breached",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent),
	)
	return len(alerts), sent
}
