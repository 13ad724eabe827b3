package moderation

import (
	"sync"
	"time"

	"gigchat/internal/models"
	"gigchat/internal/timer"
)

type NoticeKind string

const (
	NoticeAdvisory NoticeKind = "advisory"
	NoticeBlocking NoticeKind = "blocking"
)

// Notice is the single moderation message shown above the composer.
type Notice struct {
	Kind        NoticeKind
	Severity    models.Severity
	Categories  []models.Category
	Suggestions []string
	Dismissible bool
	// Text is the composer content the notice was raised for.
	Text string
}

// Banner holds at most one notice. Advisory notices expire after the TTL
// or when dismissed; blocking notices stay until the content changes.
type Banner struct {
	ttl time.Duration

	updateMu  sync.Mutex
	mu        sync.Mutex
	current   *Notice
	expiry    timer.Timer
	listeners map[int]func(Notice, bool)
	nextID    int
}

func NewBanner(ttl time.Duration) *Banner {
	return &Banner{ttl: ttl, listeners: make(map[int]func(Notice, bool))}
}

// Show replaces the banner according to a validation of text.
func (b *Banner) Show(text string, result models.ValidationResult) {
	var next *Notice
	switch {
	case !result.CanSend:
		next = &Notice{
			Kind:        NoticeBlocking,
			Severity:    result.Severity,
			Categories:  result.MatchedCategories,
			Suggestions: result.Suggestions,
			Text:        text,
		}
	case result.Severity > models.SeverityNone:
		next = &Notice{
			Kind:        NoticeAdvisory,
			Severity:    result.Severity,
			Categories:  result.MatchedCategories,
			Suggestions: result.Suggestions,
			Dismissible: true,
			Text:        text,
		}
	}
	b.update(func(cur *Notice) (*Notice, bool) {
		if next != nil {
			return next, true
		}
		return nil, cur != nil && (cur.Kind == NoticeAdvisory || cur.Text != text)
	})
}

// ContentChanged clears a blocking notice once the content differs from
// the text that was blocked.
func (b *Banner) ContentChanged(text string) {
	b.update(func(cur *Notice) (*Notice, bool) {
		return nil, cur != nil && cur.Kind == NoticeBlocking && cur.Text != text
	})
}

// Dismiss removes an advisory notice. Blocking notices cannot be dismissed.
func (b *Banner) Dismiss() bool {
	return b.update(func(cur *Notice) (*Notice, bool) {
		return nil, cur != nil && cur.Dismissible
	})
}

// Current returns the notice on display, if any.
func (b *Banner) Current() (Notice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Notice{}, false
	}
	return *b.current, true
}

// Subscribe registers fn for banner changes; ok is false when cleared.
// Listeners must not call back into the banner.
func (b *Banner) Subscribe(fn func(n Notice, ok bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Close stops the expiry timer.
func (b *Banner) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expiry.Cancel()
}

// update applies decide to the current notice. Updates are serialised so
// the expiry timer always belongs to the notice on display and listeners
// see changes in the order they were made.
func (b *Banner) update(decide func(cur *Notice) (next *Notice, apply bool)) bool {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()

	b.mu.Lock()
	n, apply := decide(b.current)
	if !apply {
		b.mu.Unlock()
		return false
	}
	b.current = n
	b.expiry.Cancel()
	if n != nil && n.Kind == NoticeAdvisory && b.ttl > 0 {
		b.expiry.Schedule(func() { b.expire(n) }, b.ttl)
	}
	listeners := make([]func(Notice, bool), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		if n == nil {
			fn(Notice{}, false)
		} else {
			fn(*n, true)
		}
	}
	return true
}

func (b *Banner) expire(shown *Notice) {
	b.update(func(cur *Notice) (*Notice, bool) {
		return nil, cur == shown
	})
}
