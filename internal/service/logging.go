package service

import (
	"context"

	"gigchat/internal/privacy"

	"github.com/sirupsen/logrus"
)

type verboseKey struct{}

// Standard field names for service logging
const (
	LogFieldConversationID = "conversation_id"
	LogFieldMessageID      = "message_id"
	LogFieldCorrelationID  = "correlation_id"
	LogFieldUserID         = "user_id"
	LogFieldEvent          = "event"
	LogFieldAttachments    = "attachments"
	LogFieldDuration       = "duration_ms"
	LogFieldErrorCode      = "error_code"
	LogFieldSeverity       = "severity"
	LogFieldCategories     = "categories"
	LogFieldText           = "text"
)

// WithVerbose marks ctx so that logs made on its behalf show identifiers
// and message text unmasked.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, verboseKey{}, verbose)
}

func IsVerboseLogging(ctx context.Context) bool {
	verbose, _ := ctx.Value(verboseKey{}).(bool)
	return verbose
}

// SanitizeContent hides message text unless verbose logging is on
func SanitizeContent(ctx context.Context, content string) string {
	if content == "" || IsVerboseLogging(ctx) {
		return content
	}
	return "[hidden]"
}

// sendFields builds the log fields for one send, masking ids unless verbose
func sendFields(ctx context.Context, conversationID, correlationID, messageID string) logrus.Fields {
	if IsVerboseLogging(ctx) {
		return logrus.Fields{
			LogFieldConversationID: conversationID,
			LogFieldCorrelationID:  correlationID,
			LogFieldMessageID:      messageID,
		}
	}
	return logrus.Fields{
		LogFieldConversationID: conversationID,
		LogFieldCorrelationID:  privacy.MaskMessageID(correlationID),
		LogFieldMessageID:      privacy.MaskMessageID(messageID),
	}
}

// userField masks a participant id unless verbose
func userField(ctx context.Context, userID string) string {
	if IsVerboseLogging(ctx) {
		return userID
	}
	return privacy.MaskUserID(userID)
}
