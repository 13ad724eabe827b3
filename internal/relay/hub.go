// Package relay is the reference server: REST endpoints for conversations
// and messages plus the websocket hub that fans events out to members.
package relay

import (
	"encoding/json"
	"sort"

	"gigchat/internal/metrics"
	"gigchat/internal/privacy"
	"gigchat/pkg/channel"

	"github.com/sirupsen/logrus"
)

const sendBuffer = 64

type joinRequest struct {
	conn           *conn
	conversationID string
}

type direct struct {
	conn  *conn
	frame []byte
}

type publication struct {
	conversationID string
	frame          []byte
}

// Hub owns the room membership of every socket. All membership changes
// happen on the Run goroutine.
type Hub struct {
	logger *logrus.Logger

	register   chan *conn
	unregister chan *conn
	join       chan joinRequest
	leave      chan *conn
	typing     chan typingChange
	publish    chan publication
	direct     chan direct
	inspect    chan func()
	done       chan struct{}

	conns map[*conn]string
	rooms map[string]map[*conn]struct{}
}

type typingChange struct {
	conn   *conn
	active bool
}

func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Hub{
		logger:     logger,
		register:   make(chan *conn),
		unregister: make(chan *conn),
		join:       make(chan joinRequest),
		leave:      make(chan *conn),
		typing:     make(chan typingChange, sendBuffer),
		publish:    make(chan publication, sendBuffer),
		direct:     make(chan direct, sendBuffer),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
		conns:      make(map[*conn]string),
		rooms:      make(map[string]map[*conn]struct{}),
	}
}

// Run processes hub traffic until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.conns {
				close(c.send)
			}
			h.conns = nil
			h.rooms = nil
			return

		case c := <-h.register:
			h.conns[c] = ""
			metrics.SetGauge(metrics.RelayConnections, float64(len(h.conns)), nil, "Open relay websocket connections")

		case c := <-h.unregister:
			if _, ok := h.conns[c]; !ok {
				continue
			}
			h.leaveRoom(c)
			delete(h.conns, c)
			close(c.send)
			metrics.SetGauge(metrics.RelayConnections, float64(len(h.conns)), nil, "Open relay websocket connections")

		case req := <-h.join:
			if _, ok := h.conns[req.conn]; !ok {
				continue
			}
			if h.conns[req.conn] == req.conversationID {
				continue
			}
			h.leaveRoom(req.conn)
			h.enterRoom(req.conn, req.conversationID)

		case c := <-h.leave:
			if _, ok := h.conns[c]; ok {
				h.leaveRoom(c)
			}

		case t := <-h.typing:
			room := h.conns[t.conn]
			if room == "" || t.conn.typing == t.active {
				continue
			}
			t.conn.typing = t.active
			h.fanOut(room, h.frame(channel.EventTypingChanged, room, channel.TypingPayload{UserID: t.conn.userID, Typing: t.active}), nil)

		case p := <-h.publish:
			h.fanOut(p.conversationID, p.frame, nil)

		case d := <-h.direct:
			if _, ok := h.conns[d.conn]; ok {
				h.deliver(d.conn, d.frame)
			}

		case fn := <-h.inspect:
			fn()
		}
	}
}

// Close stops Run and closes every connection's send queue.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Publish delivers an event to everyone in the conversation, the author
// included.
func (h *Hub) Publish(conversationID, eventType string, payload interface{}) {
	frame := h.frame(eventType, conversationID, payload)
	if frame == nil {
		return
	}
	select {
	case h.publish <- publication{conversationID: conversationID, frame: frame}:
	case <-h.done:
	}
}

// Members returns the users currently joined to a conversation.
func (h *Hub) Members(conversationID string) []string {
	out := make(chan []string, 1)
	fn := func() {
		seen := make(map[string]struct{})
		for c := range h.rooms[conversationID] {
			seen[c.userID] = struct{}{}
		}
		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out <- ids
	}
	select {
	case h.inspect <- fn:
		return <-out
	case <-h.done:
		return nil
	}
}

func (h *Hub) enterRoom(c *conn, conversationID string) {
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*conn]struct{})
		h.rooms[conversationID] = room
	}

	// the newcomer learns who is already here
	online := make(map[string]struct{})
	for other := range room {
		if other.userID == c.userID {
			continue
		}
		if _, dup := online[other.userID]; dup {
			continue
		}
		online[other.userID] = struct{}{}
		h.deliver(c, h.frame(channel.EventPresenceChanged, conversationID, channel.PresencePayload{UserID: other.userID, Online: true}))
		if other.typing {
			h.deliver(c, h.frame(channel.EventTypingChanged, conversationID, channel.TypingPayload{UserID: other.userID, Typing: true}))
		}
	}

	firstForUser := !h.userInRoom(conversationID, c.userID)
	room[c] = struct{}{}
	h.conns[c] = conversationID

	if firstForUser {
		h.fanOut(conversationID, h.frame(channel.EventMemberJoined, conversationID, channel.MemberPayload{UserID: c.userID}), c)
		h.fanOut(conversationID, h.frame(channel.EventPresenceChanged, conversationID, channel.PresencePayload{UserID: c.userID, Online: true}), c)
	}
	h.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"user_id":         privacy.MaskUserID(c.userID),
		"members":         len(room),
	}).Debug("Connection joined conversation")
}

func (h *Hub) leaveRoom(c *conn) {
	conversationID := h.conns[c]
	if conversationID == "" {
		return
	}
	room := h.rooms[conversationID]
	delete(room, c)
	h.conns[c] = ""
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}

	wasTyping := c.typing
	c.typing = false
	if h.userInRoom(conversationID, c.userID) {
		return
	}
	if wasTyping {
		h.fanOut(conversationID, h.frame(channel.EventTypingChanged, conversationID, channel.TypingPayload{UserID: c.userID, Typing: false}), nil)
	}
	h.fanOut(conversationID, h.frame(channel.EventPresenceChanged, conversationID, channel.PresencePayload{UserID: c.userID, Online: false}), nil)
	h.fanOut(conversationID, h.frame(channel.EventMemberLeft, conversationID, channel.MemberPayload{UserID: c.userID}), nil)
}

func (h *Hub) userInRoom(conversationID, userID string) bool {
	for c := range h.rooms[conversationID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) fanOut(conversationID string, frame []byte, except *conn) {
	if frame == nil {
		return
	}
	for c := range h.rooms[conversationID] {
		if c != except {
			h.deliver(c, frame)
		}
	}
}

// deliver never blocks the hub; a connection that cannot keep up is
// dropped and will reconnect.
func (h *Hub) deliver(c *conn, frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.WithField("user_id", privacy.MaskUserID(c.userID)).Warn("Send queue full; dropping connection")
		h.leaveRoom(c)
		delete(h.conns, c)
		close(c.send)
	}
}

func (h *Hub) frame(eventType, conversationID string, payload interface{}) []byte {
	env, err := channel.NewEnvelope(eventType, conversationID, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", eventType).Error("Failed to encode event")
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.WithError(err).WithField("event", eventType).Error("Failed to encode envelope")
		return nil
	}
	return raw
}
