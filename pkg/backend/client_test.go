package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/tracing"
	"silvenger/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*BackendClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(models.BackendConfig{
		BaseURL:            server.URL + "/",
		APIKey:             "anon-key",
		AccessToken:        "tok-alice",
		CircuitMaxFailures: 3,
		CircuitTimeoutSec:  60,
	}, server.Client())
	return client, server
}

func testInsert() models.MessageInsert {
	return models.MessageInsert{
		ID:             "6f1c1f4e-8c5a-4a57-9a2b-6ad3b2f0d111",
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hello",
		CreatedAt:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestInsertMessage_Success(t *testing.T) {
	var received models.MessageInsert
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, MessagesPath, r.URL.Path)
		assert.Equal(t, "Bearer tok-alice", r.Header.Get("Authorization"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=ignore-duplicates")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.InsertMessage(context.Background(), testInsert()))
	assert.Equal(t, testInsert().ID, received.ID)
	assert.Equal(t, "alice", received.SenderID)
	assert.False(t, received.IsRead)
	assert.True(t, testInsert().CreatedAt.Equal(received.CreatedAt))
}

func TestInsertMessage_DuplicateIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNoContent, http.StatusConflict} {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		assert.NoError(t, client.InsertMessage(context.Background(), testInsert()), "status %d", status)
	}
}

func TestInsertMessage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "server error", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantRetryable: false},
		{name: "forbidden", status: http.StatusForbidden, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.status)
			})

			err := client.InsertMessage(context.Background(), testInsert())
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeBackendAPI, apperrors.GetCode(err))
			assert.Equal(t, tt.wantRetryable, apperrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestInsertMessage_TransportError(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	err := client.InsertMessage(context.Background(), testInsert())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, "You appear to be offline", apperrors.GetUserMessage(err))
}

func TestInsertMessage_Timeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.InsertMessage(ctx, testInsert())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.GetCode(err))
}

func TestCircuitOpensOnRepeatedServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		_ = client.InsertMessage(context.Background(), testInsert())
	}
	err := client.InsertMessage(context.Background(), testInsert())

	assert.True(t, circuitbreaker.IsCircuitBreakerError(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateOpen, client.Breaker().GetState())
}

func TestCircuitTransitionsAreCounted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	opened := map[string]string{"from": "CLOSED", "to": "OPEN"}
	rejected := map[string]string{"method": http.MethodPost, "endpoint": MessagesPath}
	registry := metrics.GetRegistry()
	openedBefore := registry.CounterValue(metrics.BackendCircuitChanges, opened)
	rejectedBefore := registry.CounterValue(metrics.BackendRejected, rejected)

	for i := 0; i < 4; i++ {
		_ = client.InsertMessage(context.Background(), testInsert())
	}

	assert.Equal(t, openedBefore+1, registry.CounterValue(metrics.BackendCircuitChanges, opened))
	assert.Equal(t, rejectedBefore+1, registry.CounterValue(metrics.BackendRejected, rejected))
	stats := client.Breaker().GetStats()
	assert.Equal(t, circuitbreaker.StateOpen, stats.State)
	assert.Equal(t, uint32(3), stats.Failures)
}

func TestCircuitIgnoresRejectedRows(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for i := 0; i < 5; i++ {
		err := client.InsertMessage(context.Background(), testInsert())
		require.Error(t, err)
		assert.False(t, circuitbreaker.IsCircuitBreakerError(err))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateClosed, client.Breaker().GetState())
}

func TestCircuitIgnoresUndecodableBodies(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	for i := 0; i < 4; i++ {
		_, err := client.ListMessages(context.Background(), "c1")
		assert.ErrorContains(t, err, "failed to decode response")
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.Breaker().GetState())
}

func TestListMessages(t *testing.T) {
	rows := []models.ServerMessage{
		{ID: "1", ConversationID: "c1", SenderID: "bob", Content: "hi", CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "2", ConversationID: "c1", SenderID: "alice", Content: "yo", IsRead: true, CreatedAt: time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC)},
	}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "eq.c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "created_at.asc", r.URL.Query().Get("order"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})

	got, err := client.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].SenderID)
	assert.True(t, got[1].IsRead)
}

func TestListMessages_EmptyBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	})

	got, err := client.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListMessages_InvalidJSON(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := client.ListMessages(context.Background(), "c1")
	assert.ErrorContains(t, err, "failed to decode response")
}

func TestMarkRead(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.m1", r.URL.Query().Get("id"))
		var body MarkReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.IsRead)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, client.MarkRead(context.Background(), "m1"))
}

func TestCurrentUserID(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, UserPath, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer tok-alice" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(UserResponse{ID: "alice"})
	})
	ctx := context.Background()

	id, err := client.CurrentUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	id, err = client.CurrentUserID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "identity is cached")

	client.SetAccessToken("bogus")
	_, err = client.CurrentUserID(ctx)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(err))

	client.SetAccessToken("")
	_, err = client.CurrentUserID(ctx)
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCurrentUserID_EmptyID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(UserResponse{})
	})

	_, err := client.CurrentUserID(context.Background())
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(err))
}

func TestHealth(t *testing.T) {
	healthy := int32(1)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		if atomic.LoadInt32(&healthy) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	assert.NoError(t, client.Health(context.Background()))

	atomic.StoreInt32(&healthy, 0)
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestRequestIDPropagation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req_test", r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusCreated)
	})

	ctx := tracing.WithRequestID(context.Background(), "req_test")
	assert.NoError(t, client.InsertMessage(ctx, testInsert()))
}
