package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxRequests   = 10
	DefaultWindow        = 1000 * time.Millisecond
	DefaultSweepInterval = 60 * time.Second
)

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter enforces a fixed-window request cap per identity.
//
// Entries are created lazily on first request and swept once their window has
// expired, so memory is bounded by the number of identities active within one
// sweep interval. State is in-process only; it protects against short-term
// abuse and is intentionally lost on restart.
type Limiter struct {
	clock       Clock
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

func NewLimiter(clock Clock, maxRequests int, window time.Duration) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		clock:       clock,
		maxRequests: maxRequests,
		window:      window,
		entries:     make(map[string]*entry),
	}
}

// Check reports whether a request from identity is allowed.
//
// The first request for an identity, or the first after the previous window
// elapsed, opens a fresh window with count 1 and is always allowed. Within an
// active window requests are allowed while the count stays below the cap; once
// the cap is reached the count is not incremented further.
func (l *Limiter) Check(identity string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identity]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[identity] = &entry{count: 1, windowStart: now}
		return true
	}
	if e.count < l.maxRequests {
		e.count++
		return true
	}
	return false
}

// Sweep removes entries whose window has already expired.
func (l *Limiter) Sweep() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, identity)
		}
	}
}

// RunSweeper periodically sweeps expired entries until ctx is canceled. The
// sweep cadence is independent of request traffic.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
