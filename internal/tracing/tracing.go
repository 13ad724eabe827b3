package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	startTimeKey
)

// RequestInfo is everything the context knows about the current request.
type RequestInfo struct {
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
}

func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithCorrelationID tags ctx with the client-generated id of a send. Spans
// started under it carry the id as an attribute.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, startTime)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func GetRequestInfo(ctx context.Context) *RequestInfo {
	start, _ := ctx.Value(startTimeKey).(time.Time)
	return &RequestInfo{
		RequestID:     GetRequestID(ctx),
		CorrelationID: GetCorrelationID(ctx),
		TraceID:       GetOtelTraceID(ctx),
		StartTime:     start,
	}
}

// Duration is the time since WithStartTime, or zero when it was never set.
func Duration(ctx context.Context) time.Duration {
	start, ok := ctx.Value(startTimeKey).(time.Time)
	if !ok || start.IsZero() {
		return 0
	}
	return time.Since(start)
}
