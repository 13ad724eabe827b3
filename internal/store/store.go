// Package store holds the ordered message list of one open conversation.
package store

import (
	"sort"
	"sync"
	"time"

	"gigchat/internal/models"
)

type ChangeKind string

const (
	ChangeReset        ChangeKind = "reset"
	ChangePendingAdded ChangeKind = "pending_added"
	ChangeResolved     ChangeKind = "resolved"
	ChangeRolledBack   ChangeKind = "rolled_back"
	ChangeAppended     ChangeKind = "appended"
	ChangeReactions    ChangeKind = "reactions"
	ChangeEdited       ChangeKind = "edited"
	ChangeRemoved      ChangeKind = "removed"
)

// Change describes one mutation. MessageID is the id after the change;
// for resolutions PreviousID holds the placeholder id it replaced.
type Change struct {
	Kind          ChangeKind
	MessageID     string
	PreviousID    string
	CorrelationID string
}

type entry struct {
	msg     models.Message
	orderAt time.Time
	seq     uint64
}

func (e *entry) before(o *entry) bool {
	if !e.orderAt.Equal(o.orderAt) {
		return e.orderAt.Before(o.orderAt)
	}
	return e.seq < o.seq
}

// Store is safe for concurrent use. Listeners run after the lock is
// released, in the goroutine that made the change.
type Store struct {
	mu            sync.RWMutex
	conv          models.Conversation
	entries       []*entry
	byID          map[string]*entry
	byCorrelation map[string]*entry
	seq           uint64
	now           func() time.Time

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

func New() *Store {
	return &Store{
		byID:          make(map[string]*entry),
		byCorrelation: make(map[string]*entry),
		now:           time.Now,
		listeners:     make(map[int]func(Change)),
	}
}

// Reset replaces everything with a baseline; pending placeholders are dropped.
func (s *Store) Reset(conv models.Conversation, messages []models.Message) {
	s.mu.Lock()
	s.conv = conv
	s.entries = make([]*entry, 0, len(messages))
	s.byID = make(map[string]*entry, len(messages))
	s.byCorrelation = make(map[string]*entry)
	for _, m := range messages {
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		m = m.Clone()
		if m.Status == "" {
			m.Status = models.StatusConfirmed
		}
		s.insertLocked(m, m.CreatedAt)
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset})
}

// Rebase swaps in a fresh baseline but keeps outstanding placeholders in
// their slots so in-flight sends can still resolve.
func (s *Store) Rebase(messages []models.Message) {
	s.mu.Lock()
	var kept []*entry
	for _, e := range s.entries {
		if e.msg.Status == models.StatusPending {
			kept = append(kept, e)
		}
	}
	s.entries = make([]*entry, 0, len(messages)+len(kept))
	s.byID = make(map[string]*entry, len(messages)+len(kept))
	for _, m := range messages {
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		m = m.Clone()
		if m.Status == "" {
			m.Status = models.StatusConfirmed
		}
		s.insertLocked(m, m.CreatedAt)
	}
	for _, e := range kept {
		i := sort.Search(len(s.entries), func(i int) bool { return e.before(s.entries[i]) })
		s.entries = append(s.entries, nil)
		copy(s.entries[i+1:], s.entries[i:])
		s.entries[i] = e
		s.byID[e.msg.ID] = e
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset})
}

// AppendPending inserts a local placeholder keyed by its correlation id.
// Its position is fixed by the local insertion time.
func (s *Store) AppendPending(msg models.Message) bool {
	s.mu.Lock()
	if msg.CorrelationID == "" || s.byCorrelation[msg.CorrelationID] != nil || s.byID[msg.ID] != nil {
		s.mu.Unlock()
		return false
	}
	msg = msg.Clone()
	msg.Status = models.StatusPending
	e := s.insertLocked(msg, s.now())
	s.byCorrelation[msg.CorrelationID] = e
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePendingAdded, MessageID: msg.ID, CorrelationID: msg.CorrelationID})
	return true
}

// Resolve replaces the placeholder for correlationID with the confirmed
// message, keeping the placeholder's slot. Any other entry already
// holding the confirmed id is dropped so the send appears once.
func (s *Store) Resolve(correlationID string, confirmed models.Message) (models.Message, bool) {
	s.mu.Lock()
	e := s.byCorrelation[correlationID]
	if e == nil {
		s.mu.Unlock()
		return models.Message{}, false
	}
	previous := e.msg.Clone()

	if other := s.byID[confirmed.ID]; other != nil && other != e {
		s.removeLocked(other)
	}
	delete(s.byID, previous.ID)
	delete(s.byCorrelation, correlationID)

	confirmed = confirmed.Clone()
	confirmed.Status = models.StatusConfirmed
	confirmed.CorrelationID = correlationID
	e.msg = confirmed
	s.byID[confirmed.ID] = e
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeResolved, MessageID: confirmed.ID, PreviousID: previous.ID, CorrelationID: correlationID})
	return previous, true
}

// Rollback removes the placeholder for correlationID. Repeated calls are no-ops.
func (s *Store) Rollback(correlationID string) (models.Message, bool) {
	s.mu.Lock()
	e := s.byCorrelation[correlationID]
	if e == nil {
		s.mu.Unlock()
		return models.Message{}, false
	}
	previous := e.msg.Clone()
	s.removeLocked(e)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRolledBack, MessageID: previous.ID, CorrelationID: correlationID})
	return previous, true
}

// Append adds a remote message unless its id is already present.
func (s *Store) Append(msg models.Message) bool {
	s.mu.Lock()
	if s.byID[msg.ID] != nil {
		s.mu.Unlock()
		return false
	}
	msg = msg.Clone()
	if msg.Status == "" {
		msg.Status = models.StatusConfirmed
	}
	s.insertLocked(msg, msg.CreatedAt)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, MessageID: msg.ID})
	return true
}

// SetReactions replaces the full reaction multiset of a message.
func (s *Store) SetReactions(id string, reactions []models.Reaction) bool {
	s.mu.Lock()
	e := s.byID[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	e.msg.Reactions = append([]models.Reaction(nil), reactions...)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReactions, MessageID: id})
	return true
}

// ApplyEdit replaces a confirmed message's text. Pending placeholders
// cannot be edited.
func (s *Store) ApplyEdit(id, text string, at time.Time) bool {
	s.mu.Lock()
	e := s.byID[id]
	if e == nil || e.msg.Status == models.StatusPending {
		s.mu.Unlock()
		return false
	}
	e.msg.Text = text
	e.msg.Edited = true
	editedAt := at
	e.msg.EditedAt = &editedAt
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeEdited, MessageID: id})
	return true
}

// Remove deletes a message by id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	e := s.byID[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(e)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, MessageID: id})
	return true
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.byID[id]
	if e == nil {
		return models.Message{}, false
	}
	return e.msg.Clone(), true
}

// Pending returns the placeholder for a correlation id.
func (s *Store) Pending(correlationID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.byCorrelation[correlationID]
	if e == nil {
		return models.Message{}, false
	}
	return e.msg.Clone(), true
}

// Messages returns an ordered copy of all messages.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Conversation returns the conversation the store was reset with.
func (s *Store) Conversation() models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.conv
	conv.ParticipantIDs = append([]string(nil), s.conv.ParticipantIDs...)
	return conv
}

// ReplyRefFor snapshots a message for quoting. The preview is the text
// as it is now; later edits do not reach the returned ref.
func (s *Store) ReplyRefFor(id string) (*models.ReplyRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.byID[id]
	if e == nil || e.msg.Deleted {
		return nil, false
	}
	return &models.ReplyRef{
		MessageID:   e.msg.ID,
		PreviewText: e.msg.Text,
		SenderID:    e.msg.SenderID,
	}, true
}

// Subscribe registers fn for every change and returns its cancel func.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = s.listeners[id]
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) insertLocked(msg models.Message, orderAt time.Time) *entry {
	s.seq++
	e := &entry{msg: msg, orderAt: orderAt, seq: s.seq}
	i := sort.Search(len(s.entries), func(i int) bool { return e.before(s.entries[i]) })
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.byID[msg.ID] = e
	return e
}

func (s *Store) removeLocked(e *entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if s.byID[e.msg.ID] == e {
		delete(s.byID, e.msg.ID)
	}
	if e.msg.CorrelationID != "" && s.byCorrelation[e.msg.CorrelationID] == e {
		delete(s.byCorrelation, e.msg.CorrelationID)
	}
}
