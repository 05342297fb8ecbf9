package retry

import (
	"fmt"
	"strings"
	"time"
)

// Policy decides how long a message is deferred after a transient delivery
// failure. retries is the entry's retry count after the failure (1 for the
// first deferral). Delay must never be negative.
type Policy interface {
	Delay(retries int) time.Duration
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(retries int) time.Duration

func (f PolicyFunc) Delay(retries int) time.Duration {
	if d := f(retries); d > 0 {
		return d
	}
	return 0
}

// Fixed defers every retry by the same amount.
func Fixed(d time.Duration) Policy {
	return PolicyFunc(func(int) time.Duration { return d })
}

// Linear grows the delay by step for every retry, capped at max.
func Linear(step, max time.Duration) Policy {
	return PolicyFunc(func(retries int) time.Duration {
		if retries < 1 {
			retries = 1
		}
		d := step * time.Duration(retries)
		if max > 0 && (d > max || d < 0) {
			return max
		}
		return d
	})
}

// Exponential doubles (or multiplies by cfg.Multiplier) the delay per retry.
func Exponential(cfg BackoffConfig) Policy {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return NewBackoff(cfg)
}

// NewPolicy builds a Policy from its configured name.
func NewPolicy(strategy string, cfg BackoffConfig) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "fixed":
		return Fixed(cfg.InitialDelay), nil
	case "linear":
		return Linear(cfg.InitialDelay, cfg.MaxDelay), nil
	case "", "exponential":
		return Exponential(cfg), nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", strategy)
	}
}
