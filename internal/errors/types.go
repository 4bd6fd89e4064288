package errors

import (
	stderrors "errors"
)

// ErrorCode represents a categorized error type
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Local storage errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	ErrCodeCorruptQueue       ErrorCode = "CORRUPT_QUEUE"
	ErrCodeSlotBusy           ErrorCode = "SLOT_BUSY"

	// Backend errors
	ErrCodeBackendAPI  ErrorCode = "BACKEND_API"
	ErrCodeRealtime    ErrorCode = "REALTIME"
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// Validation errors
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Security errors
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION"
	ErrCodeAuthorization  ErrorCode = "AUTHORIZATION"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
)

// AppError is the error type shared by every package. Code drives HTTP
// status mapping and log fields; Retryable tells the queue and the backend
// client whether another attempt may succeed.
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

func (e *AppError) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so a bare New(code, "")
// works as a target for errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// WithContext attaches a key/value pair that ends up in log fields and,
// unless sensitive, in HTTP error bodies.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, 2)
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

func newAppError(code ErrorCode, message string, cause error, retryable bool) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause, Retryable: retryable}
}

func New(code ErrorCode, message string) *AppError {
	return newAppError(code, message, nil, false)
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return newAppError(code, message, err, false)
}

func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return newAppError(code, message, err, true)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable
}

// GetCode returns the code of the first AppError in err's chain, or
// ErrCodeInternalError when there is none.
func GetCode(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

const genericUserMessage = "An internal error occurred"

// GetUserMessage returns the text safe to show an end user.
func GetUserMessage(err error) string {
	if appErr, ok := As(err); ok && appErr.UserMessage != "" {
		return appErr.UserMessage
	}
	return genericUserMessage
}
