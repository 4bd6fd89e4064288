package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	hub     *Hub
	baseURL string

	mu      sync.Mutex
	headers []http.Header
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{hub: NewHub(16, quietLogger())}

	router := mux.NewRouter()
	sub := router.PathPrefix("/realtime").Subrouter()
	sub.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts.mu.Lock()
			ts.headers = append(ts.headers, r.Header.Clone())
			ts.mu.Unlock()
			if r.Header.Get("Authorization") == "Bearer revoked" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	sub.HandleFunc("/messages/{conversationID}", func(w http.ResponseWriter, r *http.Request) {
		ts.hub.ServeChanges(w, r, mux.Vars(r)["conversationID"])
	})
	sub.HandleFunc("/broadcast/{topic}", func(w http.ResponseWriter, r *http.Request) {
		ts.hub.ServeBroadcast(w, r, mux.Vars(r)["topic"])
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(ts.hub.Close)

	ts.baseURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	return ts
}

func (ts *testServer) client(token string) *WSClient {
	return NewWSClientWithLogger(
		models.RealtimeConfig{URL: ts.baseURL, ReconnectInitialMs: 10, ReconnectMaxMs: 50},
		models.BackendConfig{APIKey: "anon-key", AccessToken: token},
		quietLogger(),
	)
}

func (ts *testServer) waitSubscribers(t *testing.T, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.hub.Subscribers(topic) == n }, 2*time.Second, 5*time.Millisecond)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func insertEvent(id string) models.ChangeEvent {
	return models.ChangeEvent{
		Type: models.ChangeInsert,
		Row: models.ServerMessage{
			ID:             id,
			ConversationID: "c1",
			SenderID:       "bob",
			Content:        "hi " + id,
			CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestWSClient_ChangeFeedDeliversInOrder(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	events := make(chan models.ChangeEvent, 10)
	sub, err := client.Subscribe(context.Background(), "c1", func(ev models.ChangeEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()
	ts.waitSubscribers(t, MessagesTopic("c1"), 1)

	ts.hub.PublishChange("c1", insertEvent("m1"))
	ts.hub.PublishChange("c2", insertEvent("elsewhere"))
	ts.hub.PublishChange("c1", models.ChangeEvent{Type: models.ChangeUpdate, Row: models.ServerMessage{ID: "m1", IsRead: true}})
	ts.hub.PublishChange("c1", insertEvent("m2"))

	first := receive(t, events)
	assert.Equal(t, models.ChangeInsert, first.Type)
	assert.Equal(t, "m1", first.Row.ID)
	assert.Equal(t, "bob", first.Row.SenderID)

	second := receive(t, events)
	assert.Equal(t, models.ChangeUpdate, second.Type)
	assert.True(t, second.Row.IsRead)

	assert.Equal(t, "m2", receive(t, events).Row.ID)
}

func TestWSClient_SendsCredentials(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	sub, err := client.Subscribe(context.Background(), "c1", func(models.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Close()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.headers)
	assert.Equal(t, "Bearer token-a", ts.headers[0].Get("Authorization"))
	assert.Equal(t, "anon-key", ts.headers[0].Get("apikey"))
}

func TestWSClient_SubscribeRejected(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("revoked")

	sub, err := client.Subscribe(context.Background(), "c1", func(models.ChangeEvent) {})
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRealtime))
	assert.Contains(t, err.Error(), "401")
}

func TestWSClient_SubscribeUnreachable(t *testing.T) {
	client := NewWSClientWithLogger(models.RealtimeConfig{URL: "ws://127.0.0.1:1/realtime"}, models.BackendConfig{}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Subscribe(ctx, "c1", func(models.ChangeEvent) {})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestWSClient_ReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	reconnected := make(chan string, 4)
	client.OnReconnect(func(topic string) { reconnected <- topic })

	events := make(chan models.ChangeEvent, 10)
	sub, err := client.Subscribe(context.Background(), "c1", func(ev models.ChangeEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()
	topic := MessagesTopic("c1")
	ts.waitSubscribers(t, topic, 1)

	require.Equal(t, 1, ts.hub.Disconnect(topic))

	assert.Equal(t, topic, receive(t, reconnected))
	ts.waitSubscribers(t, topic, 1)

	ts.hub.PublishChange("c1", insertEvent("after"))
	assert.Equal(t, "after", receive(t, events).Row.ID)
}

func TestWSClient_CloseEndsSubscription(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	sub, err := client.Subscribe(context.Background(), "c1", func(models.ChangeEvent) {})
	require.NoError(t, err)
	ts.waitSubscribers(t, MessagesTopic("c1"), 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	ts.waitSubscribers(t, MessagesTopic("c1"), 0)
}

func TestWSClient_SubscriptionOutlivesSubscribeContext(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan models.ChangeEvent, 1)
	sub, err := client.Subscribe(ctx, "c1", func(ev models.ChangeEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()
	cancel()

	ts.waitSubscribers(t, MessagesTopic("c1"), 1)
	ts.hub.PublishChange("c1", insertEvent("m1"))
	assert.Equal(t, "m1", receive(t, events).Row.ID)
}

func TestWSClient_SkipsMalformedFrames(t *testing.T) {
	good, err := json.Marshal(insertEvent("good"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := conn.CloseRead(r.Context())
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = conn.Write(ctx, websocket.MessageText, good)
		<-ctx.Done()
	}))
	defer srv.Close()

	client := NewWSClientWithLogger(models.RealtimeConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, models.BackendConfig{}, quietLogger())
	events := make(chan models.ChangeEvent, 2)
	sub, err := client.Subscribe(context.Background(), "c1", func(ev models.ChangeEvent) { events <- ev })
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "good", receive(t, events).Row.ID)
}

func TestWSClient_HandlerPanicKeepsStream(t *testing.T) {
	ts := newTestServer(t)
	client := ts.client("token-a")

	events := make(chan models.ChangeEvent, 2)
	sub, err := client.Subscribe(context.Background(), "c1", func(ev models.ChangeEvent) {
		if ev.Row.ID == "boom" {
			panic("handler bug")
		}
		events <- ev
	})
	require.NoError(t, err)
	defer sub.Close()
	ts.waitSubscribers(t, MessagesTopic("c1"), 1)

	ts.hub.PublishChange("c1", insertEvent("boom"))
	ts.hub.PublishChange("c1", insertEvent("fine"))
	assert.Equal(t, "fine", receive(t, events).Row.ID)
}

func TestWSClient_BroadcastRelaysToOthers(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.client("token-a"), ts.client("token-b")
	topic := "typing-c1"

	aliceEvents := make(chan models.BroadcastEvent, 4)
	bobEvents := make(chan models.BroadcastEvent, 4)

	aliceCh, err := alice.Join(context.Background(), topic, func(ev models.BroadcastEvent) { aliceEvents <- ev })
	require.NoError(t, err)
	defer aliceCh.Close()
	bobCh, err := bob.Join(context.Background(), topic, func(ev models.BroadcastEvent) { bobEvents <- ev })
	require.NoError(t, err)
	defer bobCh.Close()
	ts.waitSubscribers(t, BroadcastTopic(topic), 2)

	require.NoError(t, aliceCh.Send(context.Background(), TypingEvent, TypingPayload{UserID: "alice", IsTyping: true}))

	got := receive(t, bobEvents)
	assert.Equal(t, topic, got.Topic)
	assert.Equal(t, TypingEvent, got.Event)
	var payload TypingPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, TypingPayload{UserID: "alice", IsTyping: true}, payload)

	assert.Never(t, func() bool { return len(aliceEvents) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestWSClient_BroadcastIsNotReplayed(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.client("token-a"), ts.client("token-b")
	topic := "presence-c1"

	aliceCh, err := alice.Join(context.Background(), topic, func(models.BroadcastEvent) {})
	require.NoError(t, err)
	defer aliceCh.Close()
	ts.waitSubscribers(t, BroadcastTopic(topic), 1)
	require.NoError(t, aliceCh.Send(context.Background(), "join", map[string]string{"user_id": "alice"}))

	bobEvents := make(chan models.BroadcastEvent, 4)
	bobCh, err := bob.Join(context.Background(), topic, func(ev models.BroadcastEvent) { bobEvents <- ev })
	require.NoError(t, err)
	defer bobCh.Close()

	assert.Never(t, func() bool { return len(bobEvents) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestWSClient_SendAfterCloseFails(t *testing.T) {
	ts := newTestServer(t)
	ch, err := ts.client("token-a").Join(context.Background(), "typing-c1", func(models.BroadcastEvent) {})
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	err = ch.Send(context.Background(), TypingEvent, TypingPayload{UserID: "alice"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRealtime))
}

func TestWSClient_SetAccessToken(t *testing.T) {
	client := NewWSClient(models.RealtimeConfig{URL: "ws://localhost/realtime/"}, models.BackendConfig{AccessToken: "old"})
	client.SetAccessToken("new")

	assert.Equal(t, "Bearer new", client.headers().Get("Authorization"))
	assert.Equal(t, "ws://localhost/realtime", client.baseURL)
	assert.Empty(t, client.headers().Get("apikey"))
}
