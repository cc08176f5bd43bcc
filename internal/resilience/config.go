package resilience

import (
	"time"

	"github.com/sells-group/crm-intake/internal/config"
)

// FromConfig converts application retry settings to a RetryConfig,
// filling defaults for anything unset.
func FromConfig(cfg config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMS > 0 {
		out.InitialBackoff = time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	}
	if cfg.MaxBackoffSecs > 0 {
		out.MaxBackoff = time.Duration(cfg.MaxBackoffSecs) * time.Second
	}
	if cfg.Multiplier > 0 {
		out.Multiplier = cfg.Multiplier
	}
	return out
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
