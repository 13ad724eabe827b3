// Package presence tracks who is typing and who is online in the open
// conversation, and emits the local user's own typing signals.
package presence

import (
	"sort"
	"sync"
	"time"

	"gigchat/internal/constants"
	"gigchat/internal/privacy"
	"gigchat/internal/timer"

	"github.com/sirupsen/logrus"
)

type ChangeKind string

const (
	ChangeTyping ChangeKind = "typing"
	ChangeOnline ChangeKind = "online"
)

// Change reports one participant entering or leaving a state.
type Change struct {
	Kind   ChangeKind
	UserID string
	Active bool
}

// Tracker holds ephemeral typing and online sets. A typing entry that is
// not refreshed or stopped expires on its own.
type Tracker struct {
	expiry time.Duration
	logger *logrus.Logger

	mu     sync.Mutex
	typing map[string]*timer.Timer
	online map[string]struct{}
	closed bool

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

func NewTracker(expiry time.Duration, logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if expiry <= 0 {
		expiry = time.Duration(constants.DefaultTypingExpirySec) * time.Second
	}
	return &Tracker{
		expiry:    expiry,
		logger:    logger,
		typing:    make(map[string]*timer.Timer),
		online:    make(map[string]struct{}),
		listeners: make(map[int]func(Change)),
	}
}

// SetTyping moves userID between idle and typing. Repeated starts re-arm
// the expiry.
func (t *Tracker) SetTyping(userID string, typing bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	tm, was := t.typing[userID]
	if !typing {
		if !was {
			t.mu.Unlock()
			return
		}
		tm.Cancel()
		delete(t.typing, userID)
		t.mu.Unlock()
		t.notify(Change{Kind: ChangeTyping, UserID: userID, Active: false})
		return
	}

	if !was {
		tm = &timer.Timer{}
		t.typing[userID] = tm
	}
	tm.Schedule(func() { t.expire(userID, tm) }, t.expiry)
	t.mu.Unlock()

	if !was {
		t.notify(Change{Kind: ChangeTyping, UserID: userID, Active: true})
	}
}

func (t *Tracker) expire(userID string, tm *timer.Timer) {
	t.mu.Lock()
	if t.typing[userID] != tm {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	t.mu.Unlock()

	t.logger.WithField("user_id", privacy.MaskUserID(userID)).Debug("Typing indicator expired")
	t.notify(Change{Kind: ChangeTyping, UserID: userID, Active: false})
}

// SetOnline adds or removes userID from the online set. Going offline
// also clears a typing indicator.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, was := t.online[userID]
	if was == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	t.notify(Change{Kind: ChangeOnline, UserID: userID, Active: online})
	if !online {
		t.SetTyping(userID, false)
	}
}

// Typing returns the sorted ids of participants currently typing.
func (t *Tracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.typing)
}

// Online returns the sorted ids of participants currently online.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.online)
}

func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// Subscribe registers fn for every change and returns its cancel func.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	t.listenersMu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

// Close cancels all expiry timers and ignores further updates.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.typing {
		tm.Cancel()
		delete(t.typing, id)
	}
}

func (t *Tracker) notify(c Change) {
	t.listenersMu.Lock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = t.listeners[id]
	}
	t.listenersMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
