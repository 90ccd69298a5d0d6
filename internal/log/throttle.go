// SPDX-License-Identifier: MIT

package log

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle suppresses repeated log events per key, allowing at most one
// event per window. It replaces ad hoc shared last-timestamp variables so
// unrelated call sites never share throttle state.
type Throttle struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle that admits one event per key per window.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = time.Second
	}
	return &Throttle{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an event for key may be logged now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Reset clears throttle state for key, so the next event is admitted.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}
