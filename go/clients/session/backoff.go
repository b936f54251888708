package session

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig controls reconnection delays within one cycle.
type BackoffConfig struct {
	Base          time.Duration
	Max           time.Duration
	Randomization float64 // delay is spread over [d*(1-r), d*(1+r)]
	Attempts      int     // attempts per cycle
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:          time.Second,
		Max:           5 * time.Second,
		Randomization: 0.5,
		Attempts:      5,
	}
}

// Backoff hands out exponentially growing delays until the cycle's attempts
// are used up.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff. rnd returns values in [0, 1); nil uses
// math/rand.
func NewBackoff(cfg BackoffConfig, rnd func() float64) *Backoff {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{cfg: cfg, rand: rnd}
}

// Next returns the delay before the next attempt, or false when the cycle
// is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.cfg.Attempts {
		return 0, false
	}
	d := b.cfg.Base
	for i := 0; i < b.attempt && d < b.cfg.Max; i++ {
		d *= 2
	}
	if r := b.cfg.Randomization; r > 0 {
		delta := r * float64(d)
		d = time.Duration(float64(d) - delta + 2*delta*b.rand())
	}
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	b.attempt++
	return d, true
}

// Attempt is the number of delays handed out in this cycle.
func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
