package relay

import (
	"context"
	"encoding/json"
	"time"

	"gigchat/internal/privacy"
	"gigchat/pkg/channel"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Authorizer decides whether a user may join a conversation.
type Authorizer func(ctx context.Context, conversationID, userID string) error

// conn sits between one websocket and the hub. typing is owned by the hub
// goroutine.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	userID string
	typing bool
	logger *logrus.Entry
}

func newConn(hub *Hub, ws *websocket.Conn, userID string) *conn {
	return &conn{
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		logger: hub.logger.WithField("user_id", privacy.MaskUserID(userID)),
	}
}

// serve registers the connection and runs both pumps; it returns when the
// socket closes.
func (c *conn) serve(ctx context.Context, authorize Authorizer) {
	if !submit(c.hub, c.hub.register, c) {
		_ = c.ws.Close()
		return
	}
	go c.writePump()
	c.readPump(ctx, authorize)
}

func (c *conn) readPump(ctx context.Context, authorize Authorizer) {
	defer func() {
		submit(c.hub, c.hub.unregister, c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env channel.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("Websocket read failed")
			}
			return
		}
		c.handle(ctx, env, authorize)
	}
}

func (c *conn) handle(ctx context.Context, env channel.Envelope, authorize Authorizer) {
	switch env.Type {
	case channel.CommandJoin:
		var p channel.JoinPayload
		if err := env.Decode(&p); err != nil || p.ID == "" {
			c.reject(env.ConversationID, "INVALID_INPUT", "join requires a conversation id")
			return
		}
		if authorize != nil {
			if err := authorize(ctx, p.ID, c.userID); err != nil {
				c.reject(p.ID, "FORBIDDEN", "not a participant of this conversation")
				return
			}
		}
		submit(c.hub, c.hub.join, joinRequest{conn: c, conversationID: p.ID})

	case channel.CommandLeave:
		submit(c.hub, c.hub.leave, c)

	case channel.CommandTypingStart, channel.CommandTypingStop:
		submit(c.hub, c.hub.typing, typingChange{conn: c, active: env.Type == channel.CommandTypingStart})

	default:
		c.reject(env.ConversationID, "INVALID_INPUT", "unknown command "+env.Type)
	}
}

// reject answers only the sender.
func (c *conn) reject(conversationID, code, message string) {
	env, err := channel.NewEnvelope(channel.EventError, conversationID, channel.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.logger.WithField("code", code).Debug("Rejected websocket command")
	submit(c.hub, c.hub.direct, direct{conn: c, frame: raw})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// submit hands v to the hub unless the hub has stopped.
func submit[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}
