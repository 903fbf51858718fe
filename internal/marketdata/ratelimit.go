package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a source's window counter is exhausted.
var ErrRateLimited = errors.New("marketdata: rate limited")

// windowLimiter is a rolling window counter: at most max requests per
// window, reset at a fixed instant. Concurrent callers are serialized by
// the mutex.
type windowLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	count   int
	resetAt time.Time
	now     func() time.Time
}

func newWindowLimiter(window time.Duration, max int) *windowLimiter {
	return &windowLimiter{window: window, max: max, now: time.Now}
}

// Allow consumes one slot if available.
func (l *windowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}

// Wait blocks until a slot is available or the context is done. It
// reports whether the caller had to wait. Waiting is bounded by the
// window duration.
func (l *windowLimiter) Wait(ctx context.Context) (bool, error) {
	blocked := false
	for {
		l.mu.Lock()
		l.roll()
		if l.count < l.max {
			l.count++
			l.mu.Unlock()
			return blocked, nil
		}
		resetAt := l.resetAt
		l.mu.Unlock()

		blocked = true
		wait := resetAt.Sub(l.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return blocked, ctx.Err()
		case <-timer.C:
		}
	}
}

// ResetAt returns the instant the current window expires.
func (l *windowLimiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	return l.resetAt
}

// roll starts a new window if the current one has expired. Callers must
// hold the mutex.
func (l *windowLimiter) roll() {
	now := l.now()
	if l.resetAt.IsZero() || !now.Before(l.resetAt) {
		l.count = 0
		l.resetAt = now.Add(l.window)
	}
}
