package service

import (
	"context"

	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"
)

// API is the REST surface a session needs. *api.Client implements it.
type API interface {
	FetchConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, req api.SendRequest) (*models.Message, error)
	React(ctx context.Context, messageID, emoji string) ([]models.Reaction, error)
	EditMessage(ctx context.Context, messageID, text string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Sender is the part of API the send pipeline uses.
type Sender interface {
	SendMessage(ctx context.Context, req api.SendRequest) (*models.Message, error)
}

// AttachmentPreprocessor prepares draft files for upload. *media.Preprocessor
// implements it.
type AttachmentPreprocessor interface {
	Process(ctx context.Context, files []media.File) []media.File
}

// Channel is the push channel a session listens on. *channel.Client
// implements it.
type Channel interface {
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context) error
	StartTyping(ctx context.Context) error
	StopTyping(ctx context.Context) error
	Subscribe(fn func(channel.Envelope)) func()
}

var (
	_ API                    = (*api.Client)(nil)
	_ Channel                = (*channel.Client)(nil)
	_ AttachmentPreprocessor = (*media.Preprocessor)(nil)
)
