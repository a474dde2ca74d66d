// Package jitter implements the backoff and jitter strategies used by the
// cache manager's retry loop: exponential backoff with None, Full, Equal, or
// Decorrelated jitter, bounded by a total deadline and a per-attempt
// timeout.
package jitter

import (
	"math/rand/v2"
	"time"
)

// Mode selects a jitter strategy for the exponential backoff schedule.
type Mode string

const (
	// None uses the raw exponential delay with no randomization.
	None Mode = "none"
	// Full uses a uniform draw in [0, d_i].
	Full Mode = "full"
	// Equal uses d_i/2 + uniform(0, d_i/2).
	Equal Mode = "equal"
	// Decorrelated uses min(max, uniform(base, prev*3)), tracking prev
	// across attempts.
	Decorrelated Mode = "decorrelated"
)

// Backoff computes the delay before retry attempt i given the policy
// parameters. It is not safe for concurrent use by multiple goroutines
// retrying the same registration concurrently, but the cache manager never
// does that: only the single-flight winner retries.
type Backoff struct {
	mode    Mode
	initial time.Duration
	max     time.Duration
	prev    time.Duration
}

// New creates a Backoff for the given mode and base/max delays.
func New(mode Mode, initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{mode: mode, initial: initial, max: max, prev: initial}
}

// Reset clears decorrelated-jitter state so the next Next(0) call starts
// fresh.
func (b *Backoff) Reset() {
	b.prev = b.initial
}

// Next returns the delay before attempt index i (0-based).
func (b *Backoff) Next(i int) time.Duration {
	if i < 0 {
		i = 0
	}

	switch b.mode {
	case Decorrelated:
		if i == 0 {
			b.prev = b.initial
			return b.prev
		}
		lo := float64(b.initial)
		hi := float64(b.prev) * 3
		if hi < lo {
			hi = lo
		}
		d := lo + rand.Float64()*(hi-lo)
		if d > float64(b.max) {
			d = float64(b.max)
		}
		b.prev = time.Duration(d)
		return b.prev
	default:
		d := expDelay(b.initial, b.max, i)
		return applyJitter(b.mode, d)
	}
}

func expDelay(initial, max time.Duration, attempt int) time.Duration {
	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= float64(max) {
			return max
		}
	}
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

func applyJitter(mode Mode, d time.Duration) time.Duration {
	switch mode {
	case Full:
		return time.Duration(rand.Float64() * float64(d))
	case Equal:
		half := float64(d) / 2
		return time.Duration(half + rand.Float64()*half)
	default: // None
		return d
	}
}

// Policy is the runtime form of a retry policy: the exponential/jitter
// schedule plus the per-attempt timeout and overall deadline a fetch cycle
// is bounded by. Policy holds no loop itself; the cache manager's retry
// loop skips any backoff sleep that would end past Deadline and starts no
// attempt once Deadline has passed.
type Policy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Deadline       time.Duration
	JitterMode     Mode
}

// Validate normalizes zero-valued fields to sane minimums and checks
// the cross-field constraints.
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errInvalid("max_retries must be >= 0")
	}
	if p.AttemptTimeout < 100*time.Millisecond {
		return errInvalid("attempt_timeout must be >= 100ms")
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		return errInvalid("max_backoff must be >= initial_backoff")
	}
	if p.Deadline < p.AttemptTimeout {
		return errInvalid("deadline must be >= attempt_timeout")
	}
	switch p.JitterMode {
	case "":
		p.JitterMode = None
	case None, Full, Equal, Decorrelated:
	default:
		return errInvalid("unknown jitter mode")
	}
	return nil
}

type invalidPolicyError string

func (e invalidPolicyError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidPolicyError(msg) }

// NewBackoff builds the Backoff matching this policy's jitter mode.
func (p *Policy) NewBackoff() *Backoff {
	return New(p.JitterMode, p.InitialBackoff, p.MaxBackoff)
}
