// Package retry runs outbound provider calls with bounded retries behind a
// per-integration circuit breaker.
package retry

import (
	"math/rand"
	"time"
)

// Profile bounds a retry loop. Attempt numbering starts at 1.
type Profile struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

var (
	DefaultProfile = Profile{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}

	// RateLimitProfile is more lenient: the provider told us to slow down,
	// so waiting longer is cheaper than giving up.
	RateLimitProfile = Profile{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
)

// hintBuffer pads a provider-supplied reset hint so the retry lands just
// after the window reopens rather than on its edge.
const hintBuffer = 500 * time.Millisecond

// Delay computes the exponential backoff for the given attempt (1-based),
// capped at MaxDelay. Jitter multiplies by a uniform factor in [0.5, 1.0) to
// spread synchronized callers apart.
func Delay(attempt int, p Profile) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

// HintDelay converts a provider "retry after" hint into a wait, still capped
// at the profile's MaxDelay.
func HintDelay(hint time.Duration, p Profile) time.Duration {
	if hint < 0 {
		hint = 0
	}
	d := hint + hintBuffer
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
