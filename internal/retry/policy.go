// Package retry decides, for a failed task, whether to reschedule and when.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Policy encapsulates retry/backoff settings for transient stage failures.
// It is immutable after construction.
type Policy struct {
	Base        time.Duration // base delay for attempt 0
	Max         time.Duration // cap for exponential growth
	JitterFrac  float64       // uniform jitter in [0, JitterFrac]
	MaxAttempts int           // default attempt ceiling for tasks without one

	// rnd allows deterministic jitter in tests; nil uses the global source.
	rnd func() float64
}

// DefaultPolicy returns the production policy: 2s base, 300s cap, 10% jitter,
// 3 attempts.
func DefaultPolicy() Policy {
	return Policy{Base: 2 * time.Second, Max: 300 * time.Second, JitterFrac: 0.1, MaxAttempts: 3}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall
// back to defaults.
func NewPolicy(base, maxDelay time.Duration, jitterFrac float64, maxAttempts int) Policy {
	p := DefaultPolicy()
	if base > 0 {
		p.Base = base
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if jitterFrac >= 0 {
		p.JitterFrac = jitterFrac
	}
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if p.Base > p.Max {
		p.Base = p.Max
	}
	return p
}

// WithRand returns a copy of the policy using rnd for jitter. Test hook.
func (p Policy) WithRand(rnd func() float64) Policy {
	p.rnd = rnd
	return p
}

// Decision is the outcome of classifying a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Classify decides between reschedule and terminal failure for a task that
// just failed its attempt-th execution (0-based). maxAttempts bounds the
// total number of executions; zero falls back to the policy default.
func (p Policy) Classify(attempt, maxAttempts int, err error) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if attempt+1 >= maxAttempts {
		return GiveUp
	}
	if !taskerr.Retryable(err) {
		return GiveUp
	}
	// Internal errors get exactly one retry.
	if taskerr.KindOf(err) == taskerr.KindInternal && attempt >= 1 {
		return GiveUp
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Delay returns the backoff delay for the given attempt number (0-based):
// min(base * 2^attempt, max) * (1 + jitter). Jitter is mandatory to avoid
// thundering herds when many builds fail simultaneously.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return time.Duration(float64(d) * (1 + p.jitter()))
}

func (p Policy) jitter() float64 {
	if p.JitterFrac <= 0 {
		return 0
	}
	if p.rnd != nil {
		return p.rnd() * p.JitterFrac
	}
	return rand.Float64() * p.JitterFrac
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("base must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.JitterFrac < 0 {
		return fmt.Errorf("jitter fraction cannot be negative")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be >0")
	}
	return nil
}
