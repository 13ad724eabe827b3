package integration_test

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"gigchat/internal/media"
	"gigchat/internal/models"
)

const (
	UserAlice = "alice"
	UserBob   = "bob"
	UserCarol = "carol"

	ConversationLogoGig = "logo-gig"
	ConversationPrivate = "private"
)

// TestFixtures provides predefined test data for consistent testing
type TestFixtures struct {
	EncryptionSecret string
	Retry            models.RetryConfig
}

func NewTestFixtures() *TestFixtures {
	return &TestFixtures{
		EncryptionSecret: "integration-secret-0123456789abcdef",
		Retry:            models.RetryConfig{InitialBackoffMs: 20, MaxBackoffMs: 200, MaxAttempts: 100},
	}
}

// Conversations seeded into every environment.
func (f *TestFixtures) Conversations() []models.Conversation {
	created := time.Now().UTC().Add(-time.Hour)
	return []models.Conversation{
		{ID: ConversationLogoGig, Title: "Logo redesign", ParticipantIDs: []string{UserAlice, UserBob}, CreatedAt: created},
		{ID: ConversationPrivate, Title: "Carol's notes", ParticipantIDs: []string{UserCarol}, CreatedAt: created},
	}
}

// Drafts maps a moderation outcome to text that produces it.
func (f *TestFixtures) Drafts() map[string]string {
	return map[string]string{
		"clean":    "Here is the first round of logo concepts",
		"advisory": "See https://example.org/work for samples",
		"rejected": "Call me at 555-123-4567",
		"blocked":  "my number is five five five one two three four",
	}
}

// MediaSamples builds attachment payloads.
type MediaSamples struct{}

func NewMediaSamples() *MediaSamples {
	return &MediaSamples{}
}

// Image returns a w x h PNG gradient.
func (m *MediaSamples) Image(name string, w, h int) media.File {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(fmt.Sprintf("encode sample image: %v", err))
	}
	return media.File{Name: name, MimeType: "image/png", Data: buf.Bytes()}
}

func (m *MediaSamples) Text(name, body string) media.File {
	return media.File{Name: name, MimeType: "text/plain", Data: []byte(body)}
}
