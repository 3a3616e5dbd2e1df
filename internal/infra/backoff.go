package infra

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy maps a consecutive failure count to a reconnect delay.
// Delay is a pure function of its inputs; the random source is only used by Next.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the raw delay, in [0, 1]

	// Rand returns u in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// NewBackoffPolicy builds a policy from the venue section of cfg.
func NewBackoffPolicy(cfg *Config) BackoffPolicy {
	return BackoffPolicy{
		Base:   cfg.Venue.BackoffBase,
		Cap:    cfg.Venue.BackoffCap,
		Jitter: cfg.Venue.BackoffJitter,
	}
}

// Raw returns base * 2^attempt capped at Cap, before jitter.
// A negative attempt is treated as 0.
func (p BackoffPolicy) Raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^40 seconds is far beyond any sane cap.
	if attempt > 40 {
		return p.Cap
	}
	d := p.Base * time.Duration(1<<attempt)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// AtCap reports whether the raw delay for attempt has reached the cap.
func (p BackoffPolicy) AtCap(attempt int) bool {
	return p.Raw(attempt) >= p.Cap
}

// Delay returns raw * (1 - J + 2J*u), clamped to [0, Cap].
func (p BackoffPolicy) Delay(attempt int, u float64) time.Duration {
	raw := p.Raw(attempt)
	factor := 1 - p.Jitter + 2*p.Jitter*u
	d := time.Duration(float64(raw) * factor)
	if d < 0 {
		return 0
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Bounds returns the smallest and largest delay Delay can produce for attempt.
func (p BackoffPolicy) Bounds(attempt int) (min, max time.Duration) {
	return p.Delay(attempt, 0), p.Delay(attempt, 1)
}

// Next draws u from the policy's random source and returns Delay(attempt, u).
func (p BackoffPolicy) Next(attempt int) time.Duration {
	u := rand.Float64
	if p.Rand != nil {
		u = p.Rand
	}
	return p.Delay(attempt, u())
}
