package relay

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/metrics"
	"gigchat/internal/models"
	"gigchat/internal/moderation"
	"gigchat/internal/privacy"
	"gigchat/internal/tracing"
	"gigchat/internal/validation"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Storage is the persistence the relay needs.
type Storage interface {
	SaveConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]models.Reaction, error)
	UpdateMessageText(ctx context.Context, id, text string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id string) error
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// requireUser rejects API calls without a usable identity header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(api.UserIDHeader))
		if err := validation.ValidateIdentifier("user_id", userID); err != nil {
			writeError(w, r, nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "missing or invalid "+api.UserIDHeader+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

// rateLimit caps API calls per user.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r.Context())
		if !s.limiter.Allow(userID) {
			metrics.GetRegistry().IncrementCounter(metrics.RelayRateLimited, nil, "API calls refused by the rate limiter")
			s.logger.WithField("user_id", privacy.MaskUserID(userID)).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			writeError(w, r, s.logger, apperrors.New(apperrors.ErrCodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	snap := metrics.GetRegistry().Snapshot()
	if r.URL.Query().Get("format") != "text" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := snap.WriteText(w); err != nil {
		s.logger.WithError(err).Debug("Failed to write metrics")
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := s.memberConversation(r.Context(), mux.Vars(r)["id"], userFrom(r.Context()))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)
	conv, err := s.memberConversation(ctx, mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload*int64(maxFilesPerMessage)+constants.BytesPerMegabyte)
	if err := r.ParseMultipartForm(constants.BytesPerMegabyte * 8); err != nil {
		writeError(w, r, s.logger, apperrors.NewValidationError("body", "", "invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	text := r.FormValue(api.FieldText)
	headers := r.MultipartForm.File[api.FieldFiles]
	if strings.TrimSpace(text) == "" && len(headers) == 0 {
		writeError(w, r, s.logger, apperrors.NewValidationError("text", "", "message needs text or an attachment"))
		return
	}
	if len(headers) > maxFilesPerMessage {
		writeError(w, r, s.logger, apperrors.NewValidationError("files", "", "too many attachments"))
		return
	}
	if err := validation.ValidateMessageText(text); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.moderate(ctx, conv.ID, userID, text); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       userID,
		Text:           cleanMarkup(text),
		CreatedAt:      s.now().UTC(),
		Status:         models.StatusConfirmed,
	}

	if replyID := r.FormValue(api.FieldReplyID); replyID != "" {
		ref, err := s.replyRef(ctx, conv.ID, replyID, r.FormValue(api.FieldReplyPreview))
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		msg.ReplyRef = ref
	}

	for _, fh := range headers {
		att, err := s.storeUpload(fh)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	metrics.IncrementCounter(metrics.RelayMessagesStored, nil, "Messages accepted by the relay")
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      privacy.MaskMessageID(msg.ID),
		"user_id":         privacy.MaskUserID(userID),
		"attachments":     len(msg.Attachments),
		"request_id":      tracing.GetRequestID(ctx),
	}).Info("Message stored")

	s.hub.Publish(conv.ID, channel.EventMessageNew, msg)
	writeJSON(w, http.StatusCreated, msg)
}

type reactBody struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body reactBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	emoji := strings.TrimSpace(body.Emoji)
	if err := validation.ValidateEmoji(emoji); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	msg, err := s.memberMessage(ctx, mux.Vars(r)["id"], userFrom(ctx))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	reactions, err := s.store.ToggleReaction(ctx, msg.ID, userFrom(ctx), emoji)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	s.hub.Publish(msg.ConversationID, channel.EventReactionUpdated, channel.ReactionPayload{MessageID: msg.ID, Reactions: reactions})
	writeJSON(w, http.StatusOK, api.ReactionsResponse{MessageID: msg.ID, Reactions: reactions})
}

type editBody struct {
	Text string `json:"text"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)
	var body editBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, r, s.logger, apperrors.NewValidationError("text", "", "text is required"))
		return
	}
	if err := validation.ValidateMessageText(body.Text); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	msg, err := s.authoredMessage(ctx, mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.moderate(ctx, msg.ConversationID, userID, body.Text); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	text := cleanMarkup(body.Text)
	editedAt := s.now().UTC()
	if err := s.store.UpdateMessageText(ctx, msg.ID, text, editedAt); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	updated, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	s.hub.Publish(msg.ConversationID, channel.EventMessageEdited, channel.EditPayload{MessageID: msg.ID, Text: text, EditedAt: editedAt})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := s.authoredMessage(ctx, mux.Vars(r)["id"], userFrom(ctx))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.store.DeleteMessage(ctx, msg.ID); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	s.hub.Publish(msg.ConversationID, channel.EventMessageDeleted, channel.DeletePayload{MessageID: msg.ID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path, err := s.media.Path(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, s.logger, apperrors.NewNotFoundError("media", mux.Vars(r)["name"]))
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, path)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(api.UserIDHeader))
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if err := validation.ValidateIdentifier("user_id", userID); err != nil {
		writeError(w, r, s.logger, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "missing user identity"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	newConn(s.hub, ws, userID).serve(context.WithoutCancel(r.Context()), s.authorize)
}

func (s *Server) authorize(ctx context.Context, conversationID, userID string) error {
	_, err := s.memberConversation(ctx, conversationID, userID)
	return err
}

func (s *Server) memberConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	if err := validation.ValidateIdentifier("conversation_id", id); err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.New(apperrors.ErrCodeForbidden, "not a participant of this conversation")
	}
	return conv, nil
}

func (s *Server) memberMessage(ctx context.Context, id, userID string) (*models.Message, error) {
	if err := validation.ValidateIdentifier("message_id", id); err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberConversation(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Server) authoredMessage(ctx context.Context, id, userID string) (*models.Message, error) {
	msg, err := s.memberMessage(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, apperrors.New(apperrors.ErrCodeForbidden, "only the author can change a message")
	}
	return msg, nil
}

// moderate applies the relay's stricter threshold. A rejection carries
// the matched categories so the client can show what to edit.
func (s *Server) moderate(ctx context.Context, conversationID, userID, text string) error {
	if text == "" {
		return nil
	}
	pol := s.policy.Load()
	result := pol.gate.Validate(moderation.StripMarkup(text))
	if !moderation.Exceeds(result, pol.threshold) {
		return nil
	}

	metrics.IncrementCounter(metrics.RelayMessagesBlocked, map[string]string{"severity": result.Severity.String()}, "Messages rejected by relay moderation")
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"user_id":         privacy.MaskUserID(userID),
		"severity":        result.Severity.String(),
		"categories":      result.CategoryNames(),
		"request_id":      tracing.GetRequestID(ctx),
	}).Warn("Message rejected by content policy")

	return apperrors.New(apperrors.ErrCodeServerRejected, "message blocked by content policy").
		WithContext("categories", strings.Join(result.CategoryNames(), ",")).
		WithContext("severity", result.Severity.String())
}

func (s *Server) replyRef(ctx context.Context, conversationID, replyID, preview string) (*models.ReplyRef, error) {
	target, err := s.store.GetMessage(ctx, replyID)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeNotFound {
			return nil, apperrors.NewValidationError("reply_message_id", replyID, "reply target not found")
		}
		return nil, err
	}
	if target.ConversationID != conversationID {
		return nil, apperrors.NewValidationError("reply_message_id", replyID, "reply target is in another conversation")
	}
	// the preview is what the author saw when quoting; keep it
	if preview == "" {
		preview = target.Text
	}
	return &models.ReplyRef{MessageID: target.ID, PreviewText: preview, SenderID: target.SenderID}, nil
}

func (s *Server) storeUpload(fh *multipart.FileHeader) (models.Attachment, error) {
	if fh.Size > s.maxUpload {
		return models.Attachment{}, apperrors.NewValidationError("files", fh.Filename, "attachment too large")
	}
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, apperrors.NewAttachmentError("open", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		return models.Attachment{}, apperrors.NewAttachmentError("read", fh.Filename, err)
	}
	if int64(len(data)) > s.maxUpload {
		return models.Attachment{}, apperrors.NewValidationError("files", fh.Filename, "attachment too large")
	}

	att, err := s.media.Save(media.File{Name: fh.Filename, MimeType: fh.Header.Get("Content-Type"), Data: data})
	if err != nil {
		return models.Attachment{}, apperrors.NewAttachmentError("store", fh.Filename, err)
	}
	return att, nil
}

// cleanMarkup reduces any HTML to the supported rich-text subset; plain
// text is stored as typed.
func cleanMarkup(text string) string {
	if !strings.ContainsRune(text, '<') {
		return text
	}
	return moderation.SanitizeRichText(text)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, constants.BytesPerMegabyte); err != nil {
		return err
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, constants.BytesPerMegabyte))
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", "", "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError && logger != nil {
		apperrors.WrapLogger(logger).LogError(err, "Request failed", logrus.Fields{
			"request_id": tracing.GetRequestID(r.Context()),
		})
	}
	writeJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}
