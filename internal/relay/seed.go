package relay

import (
	"context"
	"time"

	"gigchat/internal/models"
)

// DemoConversationID is created by SeedDemo.
const DemoConversationID = "demo"

// SeedDemo makes sure a two-person demo conversation exists.
func SeedDemo(ctx context.Context, store Storage) error {
	return store.SaveConversation(ctx, models.Conversation{
		ID:             DemoConversationID,
		Title:          "Demo gig",
		ParticipantIDs: []string{"alice", "bob"},
		CreatedAt:      time.Now().UTC(),
	})
}
