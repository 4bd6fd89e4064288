package errors

import (
	"context"
	"fmt"
	"net/http"
)

type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	traceIDKey        contextKey = "trace_id"
	userIDKey         contextKey = "user_id"
	conversationIDKey contextKey = "conversation_id"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
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

// NewCorruptQueueError reports a persisted queue slot that could not be decoded
func NewCorruptQueueError(key string, err error) *AppError {
	return Wrap(err, ErrCodeCorruptQueue, "persisted queue is unreadable").
		WithContext("slot_key", key).
		WithUserMessage("Pending messages could not be restored")
}

// NewSlotBusyError reports a queue slot owned by another live client instance
func NewSlotBusyError(key, owner string) *AppError {
	return New(ErrCodeSlotBusy, "queue slot is owned by another instance").
		WithContext("slot_key", key).
		WithContext("owner", owner).
		WithUserMessage("Another client is already sending from this device")
}

// NewAPIError creates an API error for backend calls. 5xx, 408 and 429
// responses are retryable, every other status is not.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	appErr := Wrap(err, ErrCodeBackendAPI, "backend API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if retryable {
		appErr.Retryable = true
	}

	return appErr
}

// NewTransportError wraps a network failure talking to the backend. These are always retryable.
func NewTransportError(endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeBackendAPI, "backend unreachable").
		WithContext("endpoint", endpoint).
		WithUserMessage("You appear to be offline")
}

// NewRealtimeError wraps a failure on a realtime channel connection
func NewRealtimeError(topic string, err error) *AppError {
	return WrapRetryable(err, ErrCodeRealtime, "realtime channel unavailable").
		WithContext("topic", topic)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	appErr := New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
	appErr.Retryable = true
	return appErr
}

// NewAuthError creates an authentication error. Identity is expected to
// recover, so callers that retry treat it like any transient failure.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError reports a write that collides with an existing resource
func NewConflictError(resource, identifier string) *AppError {
	return New(ErrCodeConflict, fmt.Sprintf("%s already exists", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier)
}

// Context helpers

// WithRequestID stores a request id for later error enrichment
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTraceID stores the trace id of the request's span
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithUserID stores the authenticated user id for later error enrichment
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithConversationID stores the conversation id for later error enrichment
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// FromContext extracts error context from a context.Context if present
func FromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	errorCtx := make(map[string]interface{})

	if requestID := ctx.Value(requestIDKey); requestID != nil {
		errorCtx["request_id"] = requestID
	}
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		errorCtx["trace_id"] = traceID
	}
	if userID := ctx.Value(userIDKey); userID != nil {
		errorCtx["user_id"] = userID
	}
	if conversationID := ctx.Value(conversationIDKey); conversationID != nil {
		errorCtx["conversation_id"] = conversationID
	}

	return errorCtx
}

// WithContextFromRequest adds request context to an error
func WithContextFromRequest(err *AppError, ctx context.Context) *AppError {
	if err == nil || ctx == nil {
		return err
	}

	for k, v := range FromContext(ctx) {
		err = err.WithContext(k, v)
	}

	return err
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeBackendAPI, ErrCodeRealtime:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the error body the development backend writes
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "token" && k != "secret" && k != "content" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
