package resilience

import (
	"time"

	"github.com/sells-group/fusionscore/internal/config"
)

// StoreRetry builds the retry policy for store calls made during
// recalibration.
func StoreRetry(cfg config.RecalibrationConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	}
	return rc
}

// ExplainerBreaker builds the breaker guarding the text-generation explainer.
func ExplainerBreaker(cfg config.ExplainerConfig) BreakerConfig {
	return BreakerConfig{
		Name:             "explainer",
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     time.Duration(cfg.BreakerResetSecs) * time.Second,
	}
}
