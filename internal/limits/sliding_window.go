// Package limits holds the inbound-message and connection-attempt rate
// limiters.
package limits

import (
	"sync"
	"time"
)

// SlidingWindow enforces "at most N events per rolling window" per key.
// The message limiter uses a 60 s window; the chat limiter a 10 s window.
// Memory per key is bounded by the limit, and idle keys are reclaimed by a
// janitor sweep no later than one window after their last event.
type SlidingWindow struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	entries map[string]*windowEntry

	stop     chan struct{}
	stopOnce sync.Once

	// now is swappable for tests.
	now func() time.Time
}

type windowEntry struct {
	events []time.Time
	last   time.Time
}

// NewSlidingWindow creates a limiter and starts its janitor.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		window:  window,
		limit:   limit,
		entries: make(map[string]*windowEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go sw.janitor()
	return sw
}

// Allow records an event for key if it fits in the window and reports
// whether it was admitted. A rejected event is not recorded, so a client
// hammering the limit does not extend its own penalty.
func (sw *SlidingWindow) Allow(key string) bool {
	return sw.AllowN(key, sw.limit)
}

// AllowN is Allow with a per-call limit override. Endpoints share one
// limiter instance but carry different budgets.
func (sw *SlidingWindow) AllowN(key string, limit int) bool {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	e := sw.entries[key]
	if e == nil {
		e = &windowEntry{}
		sw.entries[key] = e
	}

	// Drop events that slid out of the window.
	trimmed := e.events[:0]
	for _, t := range e.events {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	e.events = trimmed
	e.last = now

	if len(e.events) >= limit {
		return false
	}
	e.events = append(e.events, now)
	return true
}

// Forget drops the state for a key immediately, typically when the last
// connection for a principal closes.
func (sw *SlidingWindow) Forget(key string) {
	sw.mu.Lock()
	delete(sw.entries, key)
	sw.mu.Unlock()
}

// Stop terminates the janitor goroutine.
func (sw *SlidingWindow) Stop() {
	sw.stopOnce.Do(func() { close(sw.stop) })
}

func (sw *SlidingWindow) janitor() {
	ticker := time.NewTicker(sw.window)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			cutoff := sw.now().Add(-sw.window)
			sw.mu.Lock()
			for key, e := range sw.entries {
				if e.last.Before(cutoff) {
					delete(sw.entries, key)
				}
			}
			sw.mu.Unlock()
		}
	}
}
