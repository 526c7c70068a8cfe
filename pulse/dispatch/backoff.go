package dispatch

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a retry:
//
//	min(Base·2^n + U[0, Jitter·Base·2^n), Cap)
//
// where n is the number of attempts made before the one that failed. With
// Jitter in [0,1] the delays never shrink as n grows.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	rand func() float64 // [0,1); injectable for tests
}

// NewBackoff creates a Backoff using math/rand
func NewBackoff(base, cap time.Duration, jitter float64) *Backoff {
	return &Backoff{Base: base, Cap: cap, Jitter: jitter, rand: rand.Float64}
}

// Delay returns the wait after prior earlier attempts; it is a queue.BackoffFunc
func (b *Backoff) Delay(prior int) time.Duration {
	if prior < 0 {
		prior = 0
	}
	exp := float64(b.Base) * math.Pow(2, float64(prior))
	if b.Jitter > 0 && b.rand != nil {
		exp += b.rand() * b.Jitter * exp
	}
	if b.Cap > 0 && exp >= float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(exp)
}
