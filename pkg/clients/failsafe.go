package clients

import (
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// BackoffConfig configures an exponential backoff retry policy.
type BackoffConfig struct {
	// BaseDelay is the first retry delay. Default: 250ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 15 seconds.
	MaxDelay time.Duration

	// MaxAttempts bounds one execution, -1 for unlimited. Default: 5.
	MaxAttempts int
}

// DefaultBackoffConfig returns the defaults used for dialing peers of the
// deployment, such as the worker's coordinator link.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		MaxAttempts: 5,
	}
}

// NewBackoffPolicy builds a failsafe retry policy with exponential backoff
// and 10% jitter.
func NewBackoffPolicy[R any](cfg BackoffConfig) retrypolicy.RetryPolicy[R] {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	return retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxAttempts(cfg.MaxAttempts).
		Build()
}
