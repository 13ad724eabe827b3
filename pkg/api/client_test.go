package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(models.APIConfig{BaseURL: srv.URL + "/", CircuitMaxFailures: 2, CircuitResetSec: 60}, "alice", srv.Client(), nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchConversationAndMessages(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get(UserIDHeader))
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/conversations/c1":
			writeJSON(w, http.StatusOK, models.Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}})
		case "/api/conversations/c1/messages":
			writeJSON(w, http.StatusOK, []models.Message{{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "hi", CreatedAt: created}})
		default:
			http.NotFound(w, r)
		}
	})

	conv, err := client.FetchConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.ParticipantIDs)

	msgs, err := client.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.True(t, created.Equal(msgs[0].CreatedAt))

	_, err = client.FetchConversation(context.Background(), "missing")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestSendMessage_Multipart(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "<p>hello</p>", r.FormValue(FieldText))
		assert.Equal(t, "m0", r.FormValue(FieldReplyID))
		assert.Equal(t, "original", r.FormValue(FieldReplyPreview))
		assert.Equal(t, "bob", r.FormValue(FieldReplySenderID))

		files := r.MultipartForm.File[FieldFiles]
		require.Len(t, files, 2)
		assert.Equal(t, "notes.txt", files[0].Filename)
		assert.Equal(t, `a"b.pdf`, files[1].Filename)
		f, err := files[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "plain", string(data))

		writeJSON(w, http.StatusCreated, models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "alice", Text: "<p>hello</p>"})
	})

	msg, err := client.SendMessage(context.Background(), SendRequest{
		ConversationID: "c1",
		Text:           "<p>hello</p>",
		ReplyRef:       &models.ReplyRef{MessageID: "m0", PreviewText: "original", SenderID: "bob"},
		Files: []media.File{
			{Name: "notes.txt", MimeType: "text/plain", Data: []byte("plain")},
			{Name: `a"b.pdf`, Data: []byte("%PDF-1.4")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
}

func TestSendMessage_ServerRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := apperrors.ToHTTPResponse(apperrors.NewServerRejected(422, "contact details"), "req-1")
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	})

	_, err := client.SendMessage(context.Background(), SendRequest{ConversationID: "c1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeServerRejected, apperrors.GetCode(err))
	assert.True(t, apperrors.IsContentPolicy(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "contact details")
}

func TestServerErrorsTripBreaker(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 2; i++ {
		_, err := client.FetchMessages(context.Background(), "c1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNetworkFailure, apperrors.GetCode(err))
		assert.True(t, apperrors.IsRetryable(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, client.Breaker().State)

	_, err := client.FetchMessages(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNetworkFailure, apperrors.GetCode(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestContentRejectionsDoNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": map[string]string{"code": "SERVER_REJECTED", "message": "no"}})
	})
	for i := 0; i < 5; i++ {
		_, _ = client.SendMessage(context.Background(), SendRequest{ConversationID: "c1", Text: "x"})
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.Breaker().State)
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	client := NewClient(models.APIConfig{BaseURL: baseURL}, "alice", nil, nil)
	_, err := client.SendMessage(context.Background(), SendRequest{ConversationID: "c1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNetworkFailure, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestReactEditDelete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/messages/m1/reactions":
			var body reactRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "👍", body.Emoji)
			writeJSON(w, http.StatusOK, ReactionsResponse{MessageID: "m1", Reactions: []models.Reaction{{Emoji: "👍", UserID: "alice"}}})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/messages/m1":
			var body editRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, http.StatusOK, models.Message{ID: "m1", Text: body.Text, Edited: true})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/messages/m1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	reactions, err := client.React(ctx, "m1", "👍")
	require.NoError(t, err)
	assert.Equal(t, []models.Reaction{{Emoji: "👍", UserID: "alice"}}, reactions)

	edited, err := client.EditMessage(ctx, "m1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Text)
	assert.True(t, edited.Edited)

	require.NoError(t, client.DeleteMessage(ctx, "m1"))
}
