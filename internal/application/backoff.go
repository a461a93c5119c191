package application

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes retry delays: Base doubled per attempt, scaled by a
// random factor in [1-Jitter, 1+Jitter] and capped at Max.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoffPolicy returns a policy with a 1s base, 60s cap and 20% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.2}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max <= 0 {
		p.Max = time.Minute
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait before the next try of an entry that has now failed
// attempt times. The result never drops below previous and never exceeds Max.
func (p BackoffPolicy) Delay(attempt int, previous time.Duration) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Max
	if exp := float64(p.Base) * math.Pow(2, float64(attempt)); exp < float64(p.Max) {
		delay = time.Duration(exp)
	}
	if p.Jitter > 0 {
		u := (p.Rand()*2 - 1) * p.Jitter
		delay = time.Duration(float64(delay) * (1 + u))
	}
	if delay < previous {
		delay = previous
	}
	if delay > p.Max {
		delay = p.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// previousDelay derives the delay last applied to an entry.
func previousDelay(entry QueueEntry) time.Duration {
	if entry.NextRetryAt == nil || entry.LastAttemptAt == nil {
		return 0
	}
	d := entry.NextRetryAt.Sub(*entry.LastAttemptAt)
	if d < 0 {
		return 0
	}
	return d
}
