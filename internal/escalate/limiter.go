package escalate

import (
	"context"
	"sync"
	"time"
)

// WindowLimiter is a fixed-window limiter keyed by dedupe key, for
// single-instance deployments.
type WindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count     int
	resetTime time.Time
}

func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &WindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: map[string]*windowEntry{},
	}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entries[key]
	if e == nil || now.After(e.resetTime) {
		l.entries[key] = &windowEntry{count: 1, resetTime: now.Add(l.window)}
		return true, nil
	}
	if e.count >= l.limit {
		return false, nil
	}
	e.count++
	return true, nil
}
