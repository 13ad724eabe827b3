package channel

import (
	"encoding/json"
	"time"

	"gigchat/internal/models"
)

// Event types delivered by the relay.
const (
	EventMessageNew      = "message.new"
	EventReactionUpdated = "reaction.updated"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
	EventTypingChanged   = "typing.changed"
	EventPresenceChanged = "presence.changed"
	EventMemberJoined    = "member.joined"
	EventMemberLeft      = "member.left"
	EventError           = "error"

	// Synthesized locally by the client, never sent by the relay.
	EventDisconnected = "channel.disconnected"
	EventReconnected  = "channel.reconnected"
)

// Commands sent by the client.
const (
	CommandJoin        = "conversation.join"
	CommandLeave       = "conversation.leave"
	CommandTypingStart = "typing.start"
	CommandTypingStop  = "typing.stop"
)

// Envelope is the single frame shape on the push channel in both directions.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a frame stamped with the current time.
func NewEnvelope(eventType, conversationID string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: eventType, ConversationID: conversationID, Timestamp: time.Now().UTC()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

type JoinPayload struct {
	ID string `json:"id"`
}

type ReactionPayload struct {
	MessageID string            `json:"messageId"`
	Reactions []models.Reaction `json:"reactions"`
}

type EditPayload struct {
	MessageID string    `json:"messageId"`
	Text      string    `json:"text"`
	EditedAt  time.Time `json:"editedAt"`
}

type DeletePayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type MemberPayload struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionPayload accompanies the synthesized disconnect/reconnect events.
type ConnectionPayload struct {
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}
