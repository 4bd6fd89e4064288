package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaskID masks an opaque identifier such as a message or conversation UUID,
// keeping only the last 4 characters for correlation.
// Example: "3f2b9c1e-7a40-4b55-9d1c-0e8f4a2b6c71" -> "********************************6c71"
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	return maskString(id, 4)
}

// MaskMessageID masks a message ID while keeping the UUID dashes for readability
// Example: "3f2b9c1e-7a40-4b55-9d1c-0e8f4a2b6c71" -> "********-****-****-****-********6c71"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	parts := strings.Split(messageID, "-")
	if len(parts) != 5 {
		return MaskID(messageID)
	}

	for i := 0; i < len(parts)-1; i++ {
		parts[i] = strings.Repeat("*", len(parts[i]))
	}
	parts[len(parts)-1] = maskString(parts[len(parts)-1], 4)
	return strings.Join(parts, "-")
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, 4)
}

// MaskContent replaces message text with its length so logs never carry message bodies.
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("<%d chars>", utf8.RuneCountInString(content))
}

// MaskToken hides a bearer token or API key completely apart from its first 4 characters.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}

		switch k {
		case "message_id", "messageId", "msg_id":
			masked[k] = MaskMessageID(s)
		case "conversation_id", "conversationId":
			masked[k] = MaskID(s)
		case "user_id", "userId", "sender_id", "profile_id":
			masked[k] = MaskUserID(s)
		case "content", "text", "body":
			masked[k] = MaskContent(s)
		case "token", "access_token", "api_key", "authorization":
			masked[k] = MaskToken(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
