package timer

import (
	"sync"
	"time"
)

// Debouncer delays a call until no new Trigger has happened for the quiet period.
type Debouncer struct {
	quiet time.Duration
	timer Timer
	mu    sync.Mutex
	fn    func()
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(quiet time.Duration) *Debouncer {
	return &Debouncer{quiet: quiet}
}

// Trigger restarts the quiet period; fn replaces any earlier pending call.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = fn

	d.timer.Schedule(func() {
		d.mu.Lock()
		call := d.fn
		d.fn = nil
		d.mu.Unlock()
		if call != nil {
			call()
		}
	}, d.quiet)
}

// Flush runs the pending call immediately, if any.
func (d *Debouncer) Flush() {
	if !d.timer.Cancel() {
		return
	}
	d.mu.Lock()
	call := d.fn
	d.fn = nil
	d.mu.Unlock()
	if call != nil {
		call()
	}
}

// Cancel drops the pending call.
func (d *Debouncer) Cancel() {
	d.timer.Cancel()
	d.mu.Lock()
	d.fn = nil
	d.mu.Unlock()
}
