package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type requestInfoKey struct{}

// RequestInfo is the per-request correlation data carried in a context and
// copied into log lines and error responses.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	StartTime time.Time `json:"start_time"`
}

// GenerateRequestID returns a fresh id for requests that arrive without an
// X-Request-ID header.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// with derives a context whose RequestInfo is a modified copy of the parent's.
// Parents never observe changes made for a child.
func with(ctx context.Context, set func(*RequestInfo)) context.Context {
	var info RequestInfo
	if parent, ok := ctx.Value(requestInfoKey{}).(RequestInfo); ok {
		info = parent
	}
	set(&info)
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, func(i *RequestInfo) { i.RequestID = requestID })
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, func(i *RequestInfo) { i.TraceID = traceID })
}

func WithSpanID(ctx context.Context, spanID string) context.Context {
	return with(ctx, func(i *RequestInfo) { i.SpanID = spanID })
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return with(ctx, func(i *RequestInfo) { i.StartTime = startTime })
}

// GetRequestInfo returns the correlation data stored in ctx. Missing fields
// are zero.
func GetRequestInfo(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return &info
}

func GetRequestID(ctx context.Context) string {
	return GetRequestInfo(ctx).RequestID
}

func GetTraceID(ctx context.Context) string {
	return GetRequestInfo(ctx).TraceID
}

func GetSpanID(ctx context.Context) string {
	return GetRequestInfo(ctx).SpanID
}

func GetStartTime(ctx context.Context) time.Time {
	return GetRequestInfo(ctx).StartTime
}

// Duration is the time elapsed since WithStartTime, or zero when no start
// time was recorded.
func Duration(ctx context.Context) time.Duration {
	start := GetStartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
