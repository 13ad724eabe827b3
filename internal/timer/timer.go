// Package timer provides cancellable one-shot timers and a debouncer.
package timer

import (
	"sync"
	"time"
)

// Timer runs at most one scheduled callback at a time. Scheduling again
// replaces the pending callback; a callback that was replaced or
// cancelled never runs, even if its underlying timer already fired.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// Schedule arms fn to run after delay, replacing anything pending.
func (t *Timer) Schedule(fn func(), delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.t = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.gen || !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	was := t.armed
	t.armed = false
	t.gen++
	return was
}

// Pending reports whether a callback is armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
