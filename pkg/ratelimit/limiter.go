// Package ratelimit implements fixed-window call counting per identity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultWindow = time.Minute
	DefaultLimit  = 10
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is implemented by InMemoryLimiter and RedisLimiter. Allow uses the
// ceiling the limiter was built with; Check takes an explicit one.
type Limiter interface {
	Allow(identity string) bool
	Check(key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	clock  clockwork.Clock
	items  map[string]entry
}

type entry struct {
	count       int
	windowStart time.Time
}

// NewInMemory builds a fixed window limiter. Non-positive arguments fall back
// to the defaults and a nil clock to the real one.
func NewInMemory(window time.Duration, limit int, clock clockwork.Clock) *InMemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryLimiter{
		window: window,
		limit:  limit,
		clock:  clock,
		items:  make(map[string]entry),
	}
}

// Allow counts one call for identity against the configured ceiling.
func (l *InMemoryLimiter) Allow(identity string) bool {
	return l.Check(identity, l.limit).Allowed
}

func (l *InMemoryLimiter) Check(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.clock.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.windowStart.Add(l.window)) {
		curr = entry{count: 0, windowStart: now}
	}
	resetAt := curr.windowStart.Add(l.window)
	if curr.count >= limit {
		// Over the ceiling: report without growing the counter.
		return Decision{Allowed: false, Count: curr.count, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}
	curr.count++
	l.items[key] = curr
	return Decision{
		Allowed:   true,
		Count:     curr.count,
		Limit:     limit,
		Remaining: limit - curr.count,
		ResetAt:   resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.windowStart.Add(l.window)) {
			delete(l.items, k)
		}
	}
}
