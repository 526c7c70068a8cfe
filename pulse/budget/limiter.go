// Package budget paces calls to the publishing API.
package budget

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/autopost/errors"
)

// ErrRateLimited is returned by Allow when no token is available
var ErrRateLimited = errors.New("poster rate limit exceeded")

// Limiter spaces poster calls evenly at a fixed number per minute.
// A nil *Limiter allows everything, which is what rate_per_minute = 0 means.
type Limiter struct {
	perMinute int
	limiter   *rate.Limiter
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter with real time; perMinute <= 0 returns nil (unlimited)
func NewLimiter(perMinute int) *Limiter {
	return NewLimiterWithClock(perMinute, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewLimiterWithClock(perMinute int, timeNow func() time.Time) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	l := &Limiter{
		perMinute: perMinute,
		// Burst of one: calls are spread across the minute, never bunched
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		timeNow: timeNow,
	}
	// rate.Limiter starts full; anchor its clock to ours
	l.limiter.SetLimitAt(timeNow(), l.limiter.Limit())
	return l
}

// Allow takes a token if one is available now
func (r *Limiter) Allow() error {
	if r == nil {
		return nil
	}
	if r.limiter.AllowN(r.timeNow(), 1) {
		return nil
	}
	return errors.WithDetailf(ErrRateLimited, "limit: %d posts per minute", r.perMinute)
}

// Wait blocks until a token is available.
// Returns an error if ctx is cancelled or its deadline would pass first.
func (r *Limiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	reservation := r.limiter.ReserveN(r.timeNow(), 1)
	if !reservation.OK() {
		return errors.WithStack(ErrRateLimited)
	}

	delay := reservation.DelayFrom(r.timeNow())
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && r.timeNow().Add(delay).After(deadline) {
		reservation.CancelAt(r.timeNow())
		return errors.Wrapf(context.DeadlineExceeded, "rate limit wait of %s exceeds deadline", delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.CancelAt(r.timeNow())
		return ctx.Err()
	}
}

// Remaining returns how many calls could be made right now
func (r *Limiter) Remaining() int {
	if r == nil {
		return -1
	}
	tokens := r.limiter.TokensAt(r.timeNow())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// PerMinute returns the configured rate, 0 for unlimited
func (r *Limiter) PerMinute() int {
	if r == nil {
		return 0
	}
	return r.perMinute
}
