// Package validation checks identifiers, user-supplied fields and
// configuration bounds before they reach storage or the network.
package validation

import (
	"cmp"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"gigchat/internal/constants"
	"gigchat/internal/errors"
)

// ValidateIdentifier checks a user, conversation or message id. Ids are
// opaque but must be short and free of whitespace and control characters.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return errors.NewValidationError(field, value, "cannot be empty")
	}
	if len(value) > constants.MaxIdentifierLength {
		return errors.NewValidationError(field, "",
			fmt.Sprintf("too long (max %d bytes)", constants.MaxIdentifierLength))
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == utf8.RuneError {
			return errors.NewValidationError(field, "", "contains invalid characters")
		}
	}
	return nil
}

// ValidateEmoji checks a reaction. Multi-codepoint sequences such as
// flags and skin tones are allowed up to MaxEmojiLength runes.
func ValidateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return errors.NewValidationError("emoji", emoji, "cannot be empty")
	}
	if utf8.RuneCountInString(emoji) > constants.MaxEmojiLength {
		return errors.NewValidationError("emoji", "",
			fmt.Sprintf("too long (max %d characters)", constants.MaxEmojiLength))
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.NewValidationError("emoji", "", "contains invalid characters")
		}
	}
	return nil
}

// ValidateMessageText enforces the message length limit in characters.
func ValidateMessageText(text string) error {
	if n := utf8.RuneCountInString(text); n > constants.MaxMessageTextLength {
		return errors.NewValidationError("text", "",
			fmt.Sprintf("too long: %d characters (max %d)", n, constants.MaxMessageTextLength))
	}
	return nil
}

// ValidateHTTPRequestSize rejects a request whose declared body exceeds
// maxSizeBytes. Chunked bodies still need a MaxBytesReader.
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateRange checks lo <= value <= hi.
func ValidateRange[T cmp.Ordered](field string, value, lo, hi T) error {
	if value < lo || value > hi {
		return errors.NewValidationError(field, fmt.Sprint(value),
			fmt.Sprintf("%s must be between %v and %v", field, lo, hi))
	}
	return nil
}

// ValidateTimeout checks a timeout given in whole seconds.
func ValidateTimeout(field string, seconds int) error {
	return ValidateRange(field, seconds, 1, constants.MaxTimeoutSec)
}
