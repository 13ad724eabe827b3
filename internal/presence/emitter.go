package presence

import (
	"context"
	"sync"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/timer"

	"github.com/sirupsen/logrus"
)

// TypingSender delivers the local user's typing signals.
type TypingSender interface {
	StartTyping(ctx context.Context) error
	StopTyping(ctx context.Context) error
}

// Emitter turns keystrokes into start/stop typing signals: start on the
// first keystroke after idle, stop on Stop or after a quiet period.
// Signals go out in order on a worker goroutine; callers never wait on
// the sender.
type Emitter struct {
	sender     TypingSender
	inactivity time.Duration
	logger     *apperrors.Logger

	mu     sync.Mutex
	typing bool
	closed bool
	idle   timer.Timer
	queue  []bool
	wake   chan struct{}
	done   chan struct{}
}

func NewEmitter(sender TypingSender, inactivity time.Duration, logger *logrus.Logger) *Emitter {
	if inactivity <= 0 {
		inactivity = time.Duration(constants.DefaultTypingInactivityMs) * time.Millisecond
	}
	e := &Emitter{
		sender:     sender,
		inactivity: inactivity,
		logger:     apperrors.WrapLogger(logger),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// Keystroke records local input.
func (e *Emitter) Keystroke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.typing {
		e.typing = true
		e.enqueueLocked(true)
	}
	e.idle.Schedule(e.Stop, e.inactivity)
}

// Stop queues stop-typing if a start is outstanding.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Emitter) stopLocked() {
	e.idle.Cancel()
	if !e.typing {
		return
	}
	e.typing = false
	e.enqueueLocked(false)
}

func (e *Emitter) enqueueLocked(start bool) {
	e.queue = append(e.queue, start)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		start := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if start {
			if err := e.sender.StartTyping(context.Background()); err != nil {
				e.logger.LogWarn(err, "Failed to send typing start")
			}
		} else if err := e.sender.StopTyping(context.Background()); err != nil {
			e.logger.LogWarn(err, "Failed to send typing stop")
		}
	}
}

// Typing reports whether a start is outstanding.
func (e *Emitter) Typing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing
}

// Close stops typing, ignores further keystrokes and waits until queued
// signals have been sent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.stopLocked()
		e.closed = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
	<-e.done
}
