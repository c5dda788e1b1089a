// Package retry decides what happens to a queue entry after a failed call
// attempt. The decision is a pure function of the entry, the campaign policy
// and the clock, so concurrent reconcilers computing it reach the same answer.
package retry

import (
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
)

const (
	// ModeFixed delays every retry by the base delay.
	ModeFixed = "fixed"
	// ModeExponential doubles the delay per attempt, capped at the max delay.
	ModeExponential = "exponential"
)

// Backoff returns the delay before retry attempt n (1-based). The result is
// deterministic and non-decreasing in n; there is no jitter.
func Backoff(policy domain.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	if policy.Mode != ModeExponential {
		return base
	}

	max := policy.MaxDelay
	if max <= 0 {
		max = time.Hour
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
