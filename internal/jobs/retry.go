package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides whether a failed attempt is requeued and how long it
// waits. It depends only on the attempt count and the failure kind.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy allows three attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond, Max: 10 * time.Second}
}

// Retryable reports whether kind describes a transient failure.
func Retryable(kind ErrKind) bool {
	switch kind {
	case KindProviderTimeout, KindProviderUnreachable, KindProviderBadResponse:
		return true
	default:
		return false
	}
}

// Next returns the delay before the next attempt, or false when the job must
// fail. attempt is the number of attempts already made.
func (p RetryPolicy) Next(attempt int, kind ErrKind) (time.Duration, bool) {
	if !Retryable(kind) || attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.delay(attempt), true
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
