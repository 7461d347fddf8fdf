package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectBase = 2 * time.Second
	DefaultMaxReconnects = 5
)

// reconnectPolicy spaces reconnection attempts exponentially: the first retry
// waits the base interval and every further one doubles it, with no jitter so
// the schedule is predictable. After maxAttempts consecutive failures the
// policy reports exhaustion and the caller goes dormant until something wakes
// it (a new local event, or the app signalling the network came back).
type reconnectPolicy struct {
	maxAttempts int
	attempts    int
	backoff     *backoff.ExponentialBackOff
}

func newReconnectPolicy(base time.Duration, maxAttempts int) *reconnectPolicy {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnects
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << uint(maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()

	return &reconnectPolicy{maxAttempts: maxAttempts, backoff: b}
}

// nextDelay returns the wait before the next attempt, or false once the
// attempt budget is spent.
func (p *reconnectPolicy) nextDelay() (time.Duration, bool) {
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	p.attempts++
	return p.backoff.NextBackOff(), true
}

func (p *reconnectPolicy) exhausted() bool {
	return p.attempts >= p.maxAttempts
}

// reset rearms the full attempt budget after a successful connection or an
// external wake-up.
func (p *reconnectPolicy) reset() {
	p.attempts = 0
	p.backoff.Reset()
}
