package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gigchat/internal/database"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/models"
	"gigchat/internal/relay"
	"gigchat/internal/service"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"
	"gigchat/pkg/mediastore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "hello there", want: command{name: "send", text: "hello there"}},
		{line: "/reply abc thanks a lot", want: command{name: "reply", args: []string{"abc"}, text: "thanks a lot"}},
		{line: "/react abc 👍", want: command{name: "react", args: []string{"abc"}, text: "👍"}},
		{line: "/edit abc fixed typo", want: command{name: "edit", args: []string{"abc"}, text: "fixed typo"}},
		{line: "/delete abc", want: command{name: "delete", args: []string{"abc"}}},
		{line: "/attach ./logo.png first draft", want: command{name: "attach", args: []string{"./logo.png"}, text: "first draft"}},
		{line: "/attach ./logo.png", want: command{name: "attach", args: []string{"./logo.png"}}},
		{line: "/retry tmp-1", want: command{name: "retry", args: []string{"tmp-1"}}},
		{line: "/check call me", want: command{name: "check", text: "call me"}},
		{line: "/refetch", want: command{name: "refetch"}},
		{line: "  /quit  ", want: command{name: "quit"}},
		{line: "", wantErr: true},
		{line: "/reply abc", wantErr: true},
		{line: "/react", wantErr: true},
		{line: "/delete a b", wantErr: true},
		{line: "/attach", wantErr: true},
		{line: "/dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchPrefix(t *testing.T) {
	ids := []string{"abc123", "abd456", "xyz"}

	id, err := matchPrefix("abc", ids, "message")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	id, err = matchPrefix("xyz", ids, "message")
	require.NoError(t, err)
	assert.Equal(t, "xyz", id)

	_, err = matchPrefix("ab", ids, "message")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	_, err = matchPrefix("q", ids, "message")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestFormatMessage(t *testing.T) {
	m := models.Message{
		ID:        "0123456789abcdef",
		SenderID:  "bob",
		Text:      "<b>Final</b> files",
		Edited:    true,
		CreatedAt: time.Now(),
		Status:    models.StatusPending,
		ReplyRef:  &models.ReplyRef{MessageID: "x", SenderID: "alice", PreviewText: "send the files?"},
		Attachments: []models.Attachment{
			{FileName: "logo.png", Category: models.CategoryImage, SizeBytes: 2048},
		},
		Reactions: []models.Reaction{{Emoji: "👍", UserID: "a"}, {Emoji: "🎉", UserID: "b"}, {Emoji: "👍", UserID: "c"}},
	}
	out := formatMessage(m)
	assert.Contains(t, out, "#01234567 bob: Final files (edited) [sending]")
	assert.Contains(t, out, "> alice: send the files?")
	assert.Contains(t, out, "+ logo.png (image, 2048 bytes)")
	assert.Contains(t, out, "👍 2  🎉 1")
	assert.NotContains(t, out, "<b>")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "The server refused this message. Please edit it and try again.", describe(apperrors.NewServerRejected(422, "no")))
	assert.Contains(t, describe(apperrors.NewValidationError("id", "x", "bad id")), "bad id")
}

// syncBuffer is written by subscriber goroutines while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "relay.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := mediastore.New(filepath.Join(dir, "media"), 1<<20)
	require.NoError(t, err)
	require.NoError(t, relay.SeedDemo(context.Background(), db))

	srv, err := relay.NewServer(models.Config{Relay: models.RelayConfig{RejectSeverity: "medium"}}, relay.Deps{Store: db, Media: store})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestConsole_AgainstRelay(t *testing.T) {
	baseURL := startRelay(t)
	ctx := context.Background()

	cfg := &models.Config{UserID: "alice", Moderation: models.ModerationConfig{DebounceMs: 10}}
	apiClient := api.NewClient(models.APIConfig{BaseURL: baseURL}, "alice", nil, nil)
	ch := channel.NewClient(models.ChannelConfig{URL: "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"}, models.RetryConfig{}, "alice", nil)
	require.NoError(t, ch.Connect(ctx))
	defer ch.Close()

	session, err := service.OpenSession(ctx, service.NewSessionConfig(cfg, relay.DemoConversationID), apiClient, ch, nil)
	require.NoError(t, err)
	defer session.Close(ctx)

	out := &syncBuffer{}
	con := newConsole(session, out, "alice", 1<<20)
	detach := con.attach(ch)
	defer detach()
	con.printHistory()
	assert.Contains(t, out.String(), "(no messages yet)")

	input := "/help\nhello bob\n/check my number is five five five one two three four\n/quit\nnever sent\n"
	require.NoError(t, con.loop(ctx, strings.NewReader(input)))

	require.Eventually(t, func() bool {
		msgs := session.Store().Messages()
		return len(msgs) == 1 && msgs[0].Status == models.StatusConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	text := out.String()
	assert.Contains(t, text, "/attach <path> [text]")
	assert.Contains(t, text, "alice: hello bob")
	assert.Contains(t, text, "! blocked")
	assert.NotContains(t, text, "never sent")

	id := session.Store().Messages()[0].ID
	require.NoError(t, con.execute(ctx, command{name: "react", args: []string{id[:6]}, text: "🔥"}))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "reactions: 🔥 1") }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, con.execute(ctx, command{name: "delete", args: []string{id}}))
	assert.Contains(t, out.String(), "deleted")
	assert.Equal(t, 0, session.Store().Len())
}
