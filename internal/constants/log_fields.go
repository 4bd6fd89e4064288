package constants

// Standard log field names. Use these exact keys in logrus.Fields so log
// queries work the same across the client and the development backend.
const (
	LogFieldMessageID      = "message_id"
	LogFieldConversationID = "conversation_id"
	LogFieldUserID         = "user_id"

	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldMethod    = "method"
	LogFieldEvent     = "event"
	LogFieldStatus    = "status"

	LogFieldDuration   = "duration_ms"
	LogFieldCount      = "count"
	LogFieldSize       = "size_bytes"
	LogFieldQueueDepth = "queue_depth"

	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldSpanID     = "span_id"

	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)
