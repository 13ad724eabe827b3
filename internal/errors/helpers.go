package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionClosed is returned for work that finished after its conversation
// session was closed.
var ErrSessionClosed = New(ErrCodeSessionClosed, "conversation session closed")

// NewValidationRejected creates the error returned when the local content gate
// blocks a send.
func NewValidationRejected(categories []string) *AppError {
	return New(ErrCodeValidationRejected, "message blocked by content policy").
		WithContext("categories", strings.Join(categories, ",")).
		WithUserMessage("Sharing contact details or moving off-platform is not allowed. Please edit your message.")
}

// NewServerRejected creates the error for an authoritative server-side rejection.
func NewServerRejected(statusCode int, reason string) *AppError {
	return New(ErrCodeServerRejected, fmt.Sprintf("server rejected message: %s", reason)).
		WithContext("status_code", statusCode).
		WithUserMessage("The server refused this message. Please edit it and try again.")
}

// NewNetworkFailure creates a retryable error for requests that never got a response.
func NewNetworkFailure(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeNetworkFailure, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Message not sent. Check your connection and retry.")
}

// NewAPIError maps a non-2xx REST response onto the error taxonomy.
func NewAPIError(endpoint string, statusCode int, body string) *AppError {
	switch {
	case statusCode == http.StatusUnprocessableEntity:
		return NewServerRejected(statusCode, body).WithContext("endpoint", endpoint)
	case statusCode == http.StatusNotFound:
		return NewNotFoundError("resource", endpoint)
	case statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		appErr := New(ErrCodeNetworkFailure, fmt.Sprintf("API call failed with status %d", statusCode)).
			WithContext("endpoint", endpoint).
			WithContext("status_code", statusCode).
			WithUserMessage("Message not sent. Check your connection and retry.")
		appErr.Retryable = true
		return appErr
	default:
		return New(ErrCodeInvalidInput, fmt.Sprintf("API call failed with status %d: %s", statusCode, body)).
			WithContext("endpoint", endpoint).
			WithContext("status_code", statusCode)
	}
}

// NewChannelDisconnected creates the error reported when the push channel drops.
func NewChannelDisconnected(err error) *AppError {
	return WrapRetryable(err, ErrCodeChannelDisconnected, "push channel disconnected").
		WithUserMessage("Reconnecting…")
}

// NewAttachmentError creates a non-fatal media processing error
func NewAttachmentError(operation, fileName string, err error) *AppError {
	return Wrap(err, ErrCodeAttachmentProcessing, fmt.Sprintf("attachment %s failed", operation)).
		WithContext("operation", operation).
		WithContext("file_name", fileName)
}

// NewValidationError creates an input error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPErrorResponse is the JSON error body written by the relay
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
		Context any       `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{RequestID: requestID}

	appErr, ok := err.(*AppError)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = appErr.Message
	if len(appErr.Context) > 0 {
		public := make(map[string]any)
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "secret" {
				public[k] = v
			}
		}
		if len(public) > 0 {
			response.Error.Context = public
		}
	}
	return response
}
