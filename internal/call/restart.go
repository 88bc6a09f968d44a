package call

import (
	"time"

	"github.com/cenkalti/backoff"
)

// RestartPolicy bounds ICE-restart attempts after a connection failure.
type RestartPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		MaxAttempts:     5,
	}
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	d := DefaultRestartPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

type restarter struct {
	b        *backoff.ExponentialBackOff
	attempts int
	max      int
}

func (p RestartPolicy) restarter() *restarter {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return &restarter{b: b, max: p.MaxAttempts}
}

// next returns the delay before the next attempt, or false once the
// attempts are used up.
func (r *restarter) next() (time.Duration, bool) {
	if r.attempts >= r.max {
		return 0, false
	}
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

func (r *restarter) reset() {
	r.attempts = 0
	r.b.Reset()
}
