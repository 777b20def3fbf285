package session

import (
	"time"

	"github.com/cenkalti/backoff"
)

// linearBackOff implements backoff.BackOff with delay = base * attempt,
// returning backoff.Stop once maxAttempts have been handed out. The
// schedule is linear rather than exponential so retry pressure on the
// relay grows gently and predictably.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(base time.Duration, maxAttempts int) *linearBackOff {
	return &linearBackOff{base: base, maxAttempts: maxAttempts}
}

// NextBackOff returns the next retry delay, or backoff.Stop when the
// attempt cap is exhausted.
func (b *linearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

// Reset restarts the schedule, called after a successful reconnect.
func (b *linearBackOff) Reset() {
	b.attempt = 0
}
