package models

import (
	"strings"
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// TempIDPrefix marks ids generated locally for placeholders.
const TempIDPrefix = "tmp-"

type AttachmentCategory string

const (
	CategoryImage   AttachmentCategory = "image"
	CategoryVideo   AttachmentCategory = "video"
	CategoryAudio   AttachmentCategory = "audio"
	CategoryGeneric AttachmentCategory = "generic"
)

// Attachment is a file carried by a message. Temporary attachments point at a
// local preview that the send pipeline must release once superseded.
type Attachment struct {
	FileName  string             `json:"fileName"`
	MimeType  string             `json:"mimeType"`
	SizeBytes int64              `json:"sizeBytes"`
	URL       string             `json:"url"`
	Temporary bool               `json:"temporary,omitempty"`
	Category  AttachmentCategory `json:"category,omitempty"`
}

// ReplyRef quotes another message. PreviewText is captured when the reply is
// started and never refreshed.
type ReplyRef struct {
	MessageID   string `json:"messageId"`
	PreviewText string `json:"previewText"`
	SenderID    string `json:"senderId"`
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	ReplyRef       *ReplyRef     `json:"replyRef,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	CorrelationID  string        `json:"correlationId,omitempty"`
}

// IsTemporary reports whether the id was generated locally.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// DisplayCategory is the first attachment's category; text-only messages have none.
func (m *Message) DisplayCategory() AttachmentCategory {
	if len(m.Attachments) == 0 {
		return ""
	}
	return m.Attachments[0].Category
}

// Clone returns a deep copy so callers cannot mutate store-owned slices.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReplyRef != nil {
		ref := *m.ReplyRef
		out.ReplyRef = &ref
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	if m.DeletedAt != nil {
		at := *m.DeletedAt
		out.DeletedAt = &at
	}
	return out
}
