package integration_test

import (
	"sync"
	"time"

	"gigchat/internal/models"
	"gigchat/pkg/channel"
)

const (
	DefaultWait  = 5 * time.Second
	PollInterval = 20 * time.Millisecond
)

// EventRecorder keeps every envelope a channel client dispatched.
type EventRecorder struct {
	mu     sync.Mutex
	events []channel.Envelope
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Record(ev channel.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Count returns how many events of eventType were seen.
func (r *EventRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Find returns the first event of eventType matching pred.
func (r *EventRecorder) Find(eventType string, pred func(channel.Envelope) bool) (channel.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == eventType && (pred == nil || pred(ev)) {
			return ev, true
		}
	}
	return channel.Envelope{}, false
}

// MessageWithText finds a message in the participant's store.
func (p *Participant) MessageWithText(text string) (models.Message, bool) {
	for _, m := range p.Session.Store().Messages() {
		if m.Text == text {
			return m, true
		}
	}
	return models.Message{}, false
}

// CountText counts store entries carrying text.
func (p *Participant) CountText(text string) int {
	n := 0
	for _, m := range p.Session.Store().Messages() {
		if m.Text == text {
			n++
		}
	}
	return n
}

// HasMessage reports whether id is in the participant's store.
func (p *Participant) HasMessage(id string) bool {
	_, ok := p.Session.Store().Get(id)
	return ok
}
