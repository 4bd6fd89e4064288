package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	return entry
}

func TestNewLogger_UsesJSON(t *testing.T) {
	_, ok := NewLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestFromLogrus_SharesLogger(t *testing.T) {
	base := logrus.New()
	assert.Same(t, base, FromLogrus(base).Logger)
}

func TestLogger_FlattensAppError(t *testing.T) {
	logger, buf := captureLogger()

	err := Wrap(errors.New("database is locked"), ErrCodeDatabaseQuery, "slot write failed").
		WithContext("slot_key", "silvenger_message_queue").
		WithContext("attempt", 2)
	logger.LogError(err, "Failed to persist queue", logrus.Fields{"queue_depth": 3})

	entry := decodeLine(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "Failed to persist queue", entry["msg"])
	assert.Equal(t, "DATABASE_QUERY", entry["error_code"])
	assert.Equal(t, false, entry["retryable"])
	assert.Equal(t, "silvenger_message_queue", entry["slot_key"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, float64(3), entry["queue_depth"])
	assert.Contains(t, entry["error"], "database is locked")
}

func TestLogger_PlainError(t *testing.T) {
	logger, buf := captureLogger()

	logger.LogWarn(errors.New("socket closed"), "Change feed dropped")

	entry := decodeLine(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "socket closed", entry["error"])
	assert.NotContains(t, entry, "error_code")
}

func TestLogger_NilError(t *testing.T) {
	logger, buf := captureLogger()

	logger.LogError(nil, "Queue stopped")

	entry := decodeLine(t, buf)
	assert.Equal(t, "Queue stopped", entry["msg"])
	assert.NotContains(t, entry, "error")
	assert.NotContains(t, entry, "error_code")
}

func TestLogger_LogRetryableError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"transient send failure", NewTransportError("/rest/v1/messages", errors.New("dial tcp")), "warning"},
		{"timeout", NewTimeoutError("insert", "10s"), "warning"},
		{"exhausted or permanent", NewAPIError("/rest/v1/messages", 400, errors.New("bad row")), "error"},
		{"wrapped slot conflict", fmt.Errorf("start: %w", NewSlotBusyError("k", "other-instance")), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger()
			logger.LogRetryableError(tt.err, "Send attempt failed")
			assert.Equal(t, tt.level, decodeLine(t, buf)["level"])
		})
	}
}

func TestLogger_WithErrorAndContext(t *testing.T) {
	logger, buf := captureLogger()

	logger.WithError(NewRealtimeError("messages:c1", errors.New("eof"))).Info("Reconnecting")
	entry := decodeLine(t, buf)
	assert.Equal(t, "REALTIME", entry["error_code"])
	assert.Equal(t, "messages:c1", entry["topic"])

	ctxEntry := logger.WithContext(logrus.Fields{"conversation_id": "c1"})
	assert.Equal(t, "c1", ctxEntry.Data["conversation_id"])
}
