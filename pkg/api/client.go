// Package api is the REST client for conversations and messages.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/internal/privacy"
	"gigchat/internal/tracing"
	"gigchat/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// UserIDHeader carries the caller identity on every request.
const UserIDHeader = "X-User-ID"

// Multipart field names of the send endpoint.
const (
	FieldText          = "text"
	FieldReplyID       = "reply_message_id"
	FieldReplyPreview  = "reply_preview"
	FieldReplySenderID = "reply_sender_id"
	FieldFiles         = "files[]"
)

// SendRequest is one outgoing message.
type SendRequest struct {
	ConversationID string
	CorrelationID  string
	Text           string
	ReplyRef       *models.ReplyRef
	Files          []media.File
}

// ReactionsResponse is the full reaction snapshot after a toggle.
type ReactionsResponse struct {
	MessageID string            `json:"messageId"`
	Reactions []models.Reaction `json:"reactions"`
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

type editRequest struct {
	Text string `json:"text"`
}

// Client talks to the relay REST surface. Transport failures and 5xx
// responses count against a circuit breaker; content rejections do not.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewClient(cfg models.APIConfig, userID string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if httpClient == nil {
		timeout := cfg.TimeoutSec
		if timeout <= 0 {
			timeout = constants.DefaultHTTPTimeoutSec
		}
		httpClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	}
	maxFailures := cfg.CircuitMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultCircuitMaxFailures
	}
	resetSec := cfg.CircuitResetSec
	if resetSec <= 0 {
		resetSec = constants.DefaultCircuitResetSec
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		userID:  userID,
		http:    httpClient,
		breaker: circuitbreaker.New("api", circuitbreaker.Options{
			MaxFailures: uint32(maxFailures),
			ResetAfter:  time.Duration(resetSec) * time.Second,
			IsFailure:   apperrors.IsRetryable,
		}, logger),
		logger: logger,
	}
}

func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, "fetch_conversation", http.MethodGet, path, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, "fetch_messages", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage uploads text, reply reference and files as one multipart form.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	body, contentType, err := encodeSend(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode message")
	}

	var msg models.Message
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, contentType, body, &msg); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"message_id":  privacy.MaskMessageID(msg.ID),
		"attachments": len(req.Files),
	}).Debug("Message accepted by server")
	return &msg, nil
}

// React toggles emoji on a message and returns the resulting reaction set.
func (c *Client) React(ctx context.Context, messageID, emoji string) ([]models.Reaction, error) {
	var resp ReactionsResponse
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, "react", http.MethodPost, path, reactRequest{Emoji: emoji}, &resp); err != nil {
		return nil, err
	}
	return resp.Reactions, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, text string) (*models.Message, error) {
	var msg models.Message
	path := "/api/messages/" + url.PathEscape(messageID)
	if err := c.doJSON(ctx, "edit_message", http.MethodPatch, path, editRequest{Text: text}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/api/messages/" + url.PathEscape(messageID)
	return c.doJSON(ctx, "delete_message", http.MethodDelete, path, nil, nil)
}

// Breaker exposes the client's circuit breaker state for diagnostics.
func (c *Client) Breaker() circuitbreaker.Stats {
	return c.breaker.Stats()
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal request")
		}
		body = raw
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "api."+op,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer span.End()

	endpoint := c.baseURL + path
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(UserIDHeader, c.userID)
		tracing.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.NewNetworkFailure(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return apperrors.NewAPIError(path, resp.StatusCode, errorReason(resp.Body))
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to decode response")
		}
		return nil
	})

	if circuitbreaker.IsOpen(err) {
		err = apperrors.NewNetworkFailure(op, err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.WithFields(logrus.Fields{
			"operation":  op,
			"error_code": apperrors.GetCode(err),
		}).WithError(err).Debug("API request failed")
	}
	return err
}

// errorReason pulls the message out of a relay error body, falling back
// to the raw text.
func errorReason(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	var parsed apperrors.HTTPErrorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func encodeSend(req SendRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{{FieldText, req.Text}}
	if req.ReplyRef != nil {
		fields = append(fields,
			[2]string{FieldReplyID, req.ReplyRef.MessageID},
			[2]string{FieldReplyPreview, req.ReplyRef.PreviewText},
			[2]string{FieldReplySenderID, req.ReplyRef.SenderID},
		)
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, f := range req.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldFiles, escapeQuotes(f.Name)))
		h.Set("Content-Type", media.DetectMimeType(f.Name, f.MimeType, f.Data))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
