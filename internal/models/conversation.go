package models

import "time"

// Conversation is the client view of a chat thread.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
