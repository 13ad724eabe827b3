package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gigchat/internal/database"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/metrics"
	"gigchat/internal/middleware"
	"gigchat/internal/models"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"
	"gigchat/pkg/mediastore"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRelay struct {
	server *Server
	http   *httptest.Server
	db     *database.Database
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "relay.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := mediastore.New(filepath.Join(dir, "media"), 1<<20)
	require.NoError(t, err)

	cfg := models.Config{
		Relay: models.RelayConfig{RejectSeverity: "medium"},
		Media: models.MediaConfig{MaxUploadSizeMB: 1},
	}
	srv, err := NewServer(cfg, Deps{Store: db, Media: store})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	require.NoError(t, SeedDemo(context.Background(), db))
	require.NoError(t, db.SaveConversation(context.Background(), models.Conversation{
		ID: "private", ParticipantIDs: []string{"carol"}, CreatedAt: time.Now().UTC(),
	}))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testRelay{server: srv, http: ts, db: db}
}

func (r *testRelay) apiClient(userID string) *api.Client {
	return api.NewClient(models.APIConfig{BaseURL: r.http.URL}, userID, r.http.Client(), nil)
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

// dial opens a raw socket for userID and joins conversationID.
func (r *testRelay) dial(t *testing.T, userID, conversationID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(api.UserIDHeader, userID)
	ws, _, err := websocket.DefaultDialer.Dial(r.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	if conversationID != "" {
		env, err := channel.NewEnvelope(channel.CommandJoin, conversationID, channel.JoinPayload{ID: conversationID})
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(env))
	}
	return ws
}

// awaitEvent reads frames until one of eventType arrives.
func awaitEvent(t *testing.T, ws *websocket.Conn, eventType string) channel.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var env channel.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", eventType)
		if env.Type == eventType {
			return env
		}
	}
}

func awaitMembers(t *testing.T, hub *Hub, conversationID string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, hub.Members(conversationID))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNewServer_RejectsBadConfig(t *testing.T) {
	_, err := NewServer(models.Config{Relay: models.RelayConfig{RejectSeverity: "loud"}}, Deps{Store: &database.Database{}, Media: &mediastore.Store{}})
	assert.Error(t, err)

	_, err = NewServer(models.Config{Relay: models.RelayConfig{RejectSeverity: "medium"}}, Deps{})
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRelay(t)

	resp, err := http.Get(r.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(r.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	text, err := http.Get(r.http.URL + "/metrics?format=text")
	require.NoError(t, err)
	defer text.Body.Close()
	assert.Equal(t, "text/plain; charset=utf-8", text.Header.Get("Content-Type"))
}

func TestAPI_RequiresUser(t *testing.T) {
	r := newTestRelay(t)

	resp, err := http.Get(r.http.URL + "/api/conversations/demo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, apperrors.ErrCodeUnauthorized, body.Error.Code)

	for _, id := range []string{"jane doe", strings.Repeat("u", 200)} {
		req, _ := http.NewRequest(http.MethodGet, r.http.URL+"/api/conversations/demo", nil)
		req.Header.Set(api.UserIDHeader, id)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, id)
	}
}

func TestAPI_ConversationAndHistory(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice := r.apiClient("alice")

	conv, err := alice.FetchConversation(ctx, DemoConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.ParticipantIDs)

	_, err = alice.FetchConversation(ctx, "missing")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	first, err := alice.SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "Draft attached soon"})
	require.NoError(t, err)
	second, err := r.apiClient("bob").SendMessage(ctx, api.SendRequest{
		ConversationID: DemoConversationID,
		Text:           "Great",
		ReplyRef:       &models.ReplyRef{MessageID: first.ID, PreviewText: "Draft attached soon", SenderID: "alice"},
	})
	require.NoError(t, err)
	require.NotNil(t, second.ReplyRef)
	assert.Equal(t, first.ID, second.ReplyRef.MessageID)
	assert.Equal(t, "alice", second.ReplyRef.SenderID)

	msgs, err := alice.FetchMessages(ctx, DemoConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.Equal(t, models.StatusConfirmed, msgs[1].Status)
}

func TestAPI_NonParticipantIsForbidden(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	_, err := r.apiClient("mallory").FetchMessages(ctx, DemoConversationID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = r.apiClient("alice").SendMessage(ctx, api.SendRequest{ConversationID: "private", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestAPI_SendValidation(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice := r.apiClient("alice")

	_, err := alice.SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "   "})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	_, err = alice.SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: strings.Repeat("a", 10001)})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	_, err = alice.SendMessage(ctx, api.SendRequest{
		ConversationID: DemoConversationID,
		Text:           "re",
		ReplyRef:       &models.ReplyRef{MessageID: "nope"},
	})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
}

func TestAPI_ModerationRejects(t *testing.T) {
	metrics.GetRegistry().Reset()
	r := newTestRelay(t)
	ctx := context.Background()

	_, err := r.apiClient("alice").SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "Call me at 555-123-4567"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeServerRejected, apperrors.GetCode(err))
	assert.Equal(t, float64(1), metrics.GetRegistry().CounterValue(metrics.RelayMessagesBlocked, map[string]string{"severity": "medium"}))

	// low severity passes the relay's threshold
	msg, err := r.apiClient("alice").SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "See https://example.org/work for samples"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	msgs, err := r.db.ListMessages(ctx, DemoConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAPI_MarkupIsSanitized(t *testing.T) {
	r := newTestRelay(t)
	msg, err := r.apiClient("alice").SendMessage(context.Background(), api.SendRequest{
		ConversationID: DemoConversationID,
		Text:           `<b>bold</b><script>alert(1)</script>`,
	})
	require.NoError(t, err)
	assert.NotContains(t, msg.Text, "script")
	assert.Contains(t, msg.Text, "bold")
}

func TestAPI_AttachmentsAreServed(t *testing.T) {
	r := newTestRelay(t)
	data := []byte("%PDF-1.4 contract")

	msg, err := r.apiClient("alice").SendMessage(context.Background(), api.SendRequest{
		ConversationID: DemoConversationID,
		Files:          []media.File{{Name: "contract.pdf", MimeType: "application/pdf", Data: data}},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "contract.pdf", att.FileName)
	assert.True(t, strings.HasPrefix(att.URL, mediastore.URLPrefix))

	resp, err := http.Get(r.http.URL + att.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	resp, err = http.Get(r.http.URL + mediastore.URLPrefix + "..%2Fsecret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_AttachmentTooLarge(t *testing.T) {
	r := newTestRelay(t)
	_, err := r.apiClient("alice").SendMessage(context.Background(), api.SendRequest{
		ConversationID: DemoConversationID,
		Files:          []media.File{{Name: "big.bin", Data: bytes.Repeat([]byte{1}, 2<<20)}},
	})
	require.Error(t, err)
}

func TestWebsocket_BroadcastIncludesSender(t *testing.T) {
	r := newTestRelay(t)
	aliceWS := r.dial(t, "alice", DemoConversationID)
	bobWS := r.dial(t, "bob", DemoConversationID)
	awaitMembers(t, r.server.Hub(), DemoConversationID, "alice", "bob")

	sent, err := r.apiClient("alice").SendMessage(context.Background(), api.SendRequest{ConversationID: DemoConversationID, Text: "hello"})
	require.NoError(t, err)

	for _, ws := range []*websocket.Conn{aliceWS, bobWS} {
		env := awaitEvent(t, ws, channel.EventMessageNew)
		var msg models.Message
		require.NoError(t, env.Decode(&msg))
		assert.Equal(t, sent.ID, msg.ID)
		assert.Equal(t, DemoConversationID, env.ConversationID)
	}
}

func TestWebsocket_PresenceAndTyping(t *testing.T) {
	r := newTestRelay(t)
	aliceWS := r.dial(t, "alice", DemoConversationID)
	awaitMembers(t, r.server.Hub(), DemoConversationID, "alice")

	bobWS := r.dial(t, "bob", DemoConversationID)

	joined := awaitEvent(t, aliceWS, channel.EventMemberJoined)
	var member channel.MemberPayload
	require.NoError(t, joined.Decode(&member))
	assert.Equal(t, "bob", member.UserID)

	// bob learns alice is already online
	var presence channel.PresencePayload
	require.NoError(t, awaitEvent(t, bobWS, channel.EventPresenceChanged).Decode(&presence))
	assert.Equal(t, channel.PresencePayload{UserID: "alice", Online: true}, presence)

	start, err := channel.NewEnvelope(channel.CommandTypingStart, DemoConversationID, nil)
	require.NoError(t, err)
	require.NoError(t, bobWS.WriteJSON(start))

	var typing channel.TypingPayload
	require.NoError(t, awaitEvent(t, aliceWS, channel.EventTypingChanged).Decode(&typing))
	assert.Equal(t, channel.TypingPayload{UserID: "bob", Typing: true}, typing)

	require.NoError(t, bobWS.Close())

	require.NoError(t, awaitEvent(t, aliceWS, channel.EventTypingChanged).Decode(&typing))
	assert.Equal(t, channel.TypingPayload{UserID: "bob", Typing: false}, typing)
	require.NoError(t, awaitEvent(t, aliceWS, channel.EventPresenceChanged).Decode(&presence))
	assert.Equal(t, channel.PresencePayload{UserID: "bob", Online: false}, presence)
	awaitEvent(t, aliceWS, channel.EventMemberLeft)
}

func TestWebsocket_JoinForbidden(t *testing.T) {
	r := newTestRelay(t)
	ws := r.dial(t, "alice", "private")

	var payload channel.ErrorPayload
	require.NoError(t, awaitEvent(t, ws, channel.EventError).Decode(&payload))
	assert.Equal(t, "FORBIDDEN", payload.Code)
	assert.Empty(t, r.server.Hub().Members("private"))
}

func TestWebsocket_UnknownCommand(t *testing.T) {
	r := newTestRelay(t)
	ws := r.dial(t, "alice", "")
	require.NoError(t, ws.WriteJSON(channel.Envelope{Type: "dance", Timestamp: time.Now()}))

	var payload channel.ErrorPayload
	require.NoError(t, awaitEvent(t, ws, channel.EventError).Decode(&payload))
	assert.Equal(t, "INVALID_INPUT", payload.Code)
}

func TestWebsocket_RequiresUser(t *testing.T) {
	r := newTestRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMutations_PublishEvents(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	bobWS := r.dial(t, "bob", DemoConversationID)
	awaitMembers(t, r.server.Hub(), DemoConversationID, "bob")

	alice := r.apiClient("alice")
	msg, err := alice.SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "v1"})
	require.NoError(t, err)
	awaitEvent(t, bobWS, channel.EventMessageNew)

	reactions, err := r.apiClient("bob").React(ctx, msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []models.Reaction{{Emoji: "👍", UserID: "bob"}}, reactions)
	var rp channel.ReactionPayload
	require.NoError(t, awaitEvent(t, bobWS, channel.EventReactionUpdated).Decode(&rp))
	assert.Equal(t, msg.ID, rp.MessageID)
	assert.Len(t, rp.Reactions, 1)

	_, err = r.apiClient("bob").React(ctx, msg.ID, "👍 👍")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

	// toggling again removes it
	reactions, err = r.apiClient("bob").React(ctx, msg.ID, "👍")
	require.NoError(t, err)
	assert.Empty(t, reactions)

	_, err = r.apiClient("bob").EditMessage(ctx, msg.ID, "hijack")
	assert.Error(t, err)

	_, err = alice.EditMessage(ctx, msg.ID, "Ping me on Telegram")
	assert.Equal(t, apperrors.ErrCodeServerRejected, apperrors.GetCode(err))

	edited, err := alice.EditMessage(ctx, msg.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", edited.Text)
	assert.True(t, edited.Edited)
	var ep channel.EditPayload
	require.NoError(t, awaitEvent(t, bobWS, channel.EventMessageEdited).Decode(&ep))
	assert.Equal(t, "v2", ep.Text)

	require.NoError(t, alice.DeleteMessage(ctx, msg.ID))
	var dp channel.DeletePayload
	require.NoError(t, awaitEvent(t, bobWS, channel.EventMessageDeleted).Decode(&dp))
	assert.Equal(t, msg.ID, dp.MessageID)

	_, err = r.db.GetMessage(ctx, msg.ID)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestChannelClient_AgainstRelay(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	client := channel.NewClient(models.ChannelConfig{URL: r.wsURL()}, models.RetryConfig{InitialBackoffMs: 10, MaxBackoffMs: 50}, "bob", nil)
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	got := make(chan models.Message, 1)
	client.Subscribe(func(env channel.Envelope) {
		if env.Type != channel.EventMessageNew {
			return
		}
		var msg models.Message
		if env.Decode(&msg) == nil {
			got <- msg
		}
	})
	require.NoError(t, client.Join(ctx, DemoConversationID))
	awaitMembers(t, r.server.Hub(), DemoConversationID, "bob")

	sent, err := r.apiClient("alice").SendMessage(ctx, api.SendRequest{ConversationID: DemoConversationID, Text: "over the wire"})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, sent.ID, msg.ID)
		assert.Equal(t, "over the wire", msg.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("message.new not delivered")
	}
}

func TestSeedDemo_Idempotent(t *testing.T) {
	r := newTestRelay(t)
	require.NoError(t, SeedDemo(context.Background(), r.db))
	conv, err := r.db.GetConversation(context.Background(), DemoConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.ParticipantIDs)
}

func TestUpdatePolicy(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	req := api.SendRequest{ConversationID: DemoConversationID, Text: "Ping me on Telegram"}

	_, err := r.apiClient("alice").SendMessage(ctx, req)
	assert.Equal(t, apperrors.ErrCodeServerRejected, apperrors.GetCode(err))

	assert.Error(t, r.server.UpdatePolicy(&models.Config{Relay: models.RelayConfig{RejectSeverity: "extreme"}}))

	require.NoError(t, r.server.UpdatePolicy(&models.Config{Relay: models.RelayConfig{RejectSeverity: "high"}}))
	_, err = r.apiClient("alice").SendMessage(ctx, req)
	assert.NoError(t, err)
}

func TestAPI_RateLimitedPerUser(t *testing.T) {
	r := newTestRelay(t)
	r.server.limiter = middleware.NewRateLimiter(2, time.Minute)
	ctx := context.Background()
	alice := r.apiClient("alice")

	_, err := alice.FetchConversation(ctx, DemoConversationID)
	require.NoError(t, err)
	_, err = alice.FetchMessages(ctx, DemoConversationID)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, r.http.URL+"/api/conversations/demo", nil)
	req.Header.Set(api.UserIDHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	_, err = alice.FetchConversation(ctx, DemoConversationID)
	assert.True(t, apperrors.IsRetryable(err))

	// other users have their own budget
	_, err = r.apiClient("bob").FetchConversation(ctx, DemoConversationID)
	assert.NoError(t, err)
}
