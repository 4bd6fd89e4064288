package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"silvenger/internal/constants"
	"silvenger/internal/errors"

	"github.com/google/uuid"
)

// ValidateMessageContent checks that content has visible text and fits the backend column
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message content cannot be empty")
	}

	if n := utf8.RuneCountInString(content); n > constants.MaxMessageContentLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message content too long: %d characters (max %d)", n, constants.MaxMessageContentLength))
	}

	if !utf8.ValidString(content) {
		return errors.New(errors.ErrCodeInvalidInput, "message content is not valid UTF-8")
	}

	return nil
}

// ValidateMessageID validates a client generated message id
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}

	if _, err := uuid.Parse(messageID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "message ID must be a UUID")
	}

	return nil
}

// ValidateIdentifier validates conversation and user identifiers
func ValidateIdentifier(value, fieldName string) error {
	if value == "" {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s cannot be empty", fieldName))
	}

	if len(value) > constants.MaxIdentifierLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, constants.MaxIdentifierLength))
	}

	for _, char := range value {
		if unicode.IsControl(char) || unicode.IsSpace(char) {
			return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s contains invalid characters", fieldName))
		}
	}

	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < -1 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}
