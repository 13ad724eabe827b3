// Package errors is the shared error taxonomy of the client and the relay.
// Every failure that crosses a package boundary is an *AppError whose Code
// decides how callers react: retry, ask the user to edit, or give up.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"

	// ErrCodeValidationRejected is the local gate; ErrCodeServerRejected the relay's.
	ErrCodeValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrCodeServerRejected     ErrorCode = "SERVER_REJECTED"

	ErrCodeNetworkFailure      ErrorCode = "NETWORK_FAILURE"
	ErrCodeChannelDisconnected ErrorCode = "CHANNEL_DISCONNECTED"

	ErrCodeAttachmentProcessing ErrorCode = "ATTACHMENT_PROCESSING_FAILURE"

	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
)

// httpStatus is what the relay answers for each code. Codes missing here
// are reported as 500.
var httpStatus = map[ErrorCode]int{
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeInvalidConfig:      http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeValidationRejected: http.StatusUnprocessableEntity,
	ErrCodeServerRejected:     http.StatusUnprocessableEntity,
	ErrCodeNetworkFailure:     http.StatusBadGateway,
	ErrCodeRateLimited:        http.StatusTooManyRequests,
	ErrCodeDatabaseConnection: http.StatusServiceUnavailable,
	ErrCodeDatabaseQuery:      http.StatusServiceUnavailable,
}

type AppError struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Cause       error          `json:"-"`
	Context     map[string]any `json:"context,omitempty"`
	Retryable   bool           `json:"retryable"`
	UserMessage string         `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is compares codes, so errors.Is(err, ErrSessionClosed) holds for any
// session-closed error however it was built.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithContext attaches a structured field. It mutates and returns e.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = map[string]any{key: value}
		return e
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	appErr := Wrap(err, code, message)
	appErr.Retryable = true
	return appErr
}

func find(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func IsRetryable(err error) bool {
	appErr, ok := find(err)
	return ok && appErr.Retryable
}

// GetCode returns ErrCodeInternalError for errors outside the taxonomy.
func GetCode(err error) ErrorCode {
	if appErr, ok := find(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

func GetUserMessage(err error) string {
	if appErr, ok := find(err); ok && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return "An internal error occurred"
}

// IsContentPolicy reports whether the user has to edit the content; a
// plain retry would be rejected again.
func IsContentPolicy(err error) bool {
	code := GetCode(err)
	return code == ErrCodeValidationRejected || code == ErrCodeServerRejected
}

func HTTPStatusCode(err error) int {
	if status, ok := httpStatus[GetCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
