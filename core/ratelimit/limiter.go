package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limits configures a Limiter. MaxCalls <= 0 disables limiting.
type Limits struct {
	MaxCalls int
	Window   time.Duration
	Lockout  time.Duration
}

type record struct {
	calls    []time.Time
	lockedAt time.Time
}

// Limiter counts command calls per user and locks out users who exceed
// MaxCalls within Window.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	records map[int64]*record
	now     func() time.Time
}

// New creates a flood limiter.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		records: make(map[int64]*record),
		now:     time.Now,
	}
}

// Allow records a call by the user and reports whether it may proceed.
// The call that reaches the threshold is still allowed; later ones are
// refused until the lockout passes.
func (l *Limiter) Allow(userID int64) error {
	if l.limits.MaxCalls <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.records[userID]
	if r == nil {
		r = &record{}
		l.records[userID] = r
	}

	if !r.lockedAt.IsZero() {
		if elapsed := now.Sub(r.lockedAt); elapsed < l.limits.Lockout {
			remaining := l.limits.Lockout - elapsed
			return fmt.Errorf("flood limit, try again in %s", remaining.Truncate(time.Second))
		}
		*r = record{}
	}

	// Prune calls outside the window.
	cutoff := now.Add(-l.limits.Window)
	fresh := r.calls[:0]
	for _, t := range r.calls {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	r.calls = append(fresh, now)

	if len(r.calls) >= l.limits.MaxCalls {
		r.lockedAt = now
	}
	return nil
}

// Reset clears all state for a user.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, userID)
}

// Prune drops records with no recent calls and no active lockout.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, r := range l.records {
		locked := !r.lockedAt.IsZero() && now.Sub(r.lockedAt) < l.limits.Lockout
		recent := len(r.calls) > 0 && now.Sub(r.calls[len(r.calls)-1]) < l.limits.Window
		if !locked && !recent {
			delete(l.records, id)
		}
	}
}
