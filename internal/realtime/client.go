package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/privacy"
	"silvenger/internal/retry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 64 * 1024

const writeTimeout = 5 * time.Second

var errNotConnected = errors.New("not connected")

// WSClient implements ChangeFeed and Broadcast over websockets. Each
// subscription owns one connection that is re-established with exponential
// backoff until the subscription is closed.
type WSClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	backoff    *retry.Backoff
	logger     *logrus.Logger

	mu          sync.RWMutex
	accessToken string
	onReconnect func(topic string)
}

var (
	_ ChangeFeed = (*WSClient)(nil)
	_ Broadcast  = (*WSClient)(nil)
)

func NewWSClient(cfg models.RealtimeConfig, auth models.BackendConfig) *WSClient {
	return NewWSClientWithLogger(cfg, auth, nil)
}

func NewWSClientWithLogger(cfg models.RealtimeConfig, auth models.BackendConfig, logger *logrus.Logger) *WSClient {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	initial := time.Duration(cfg.ReconnectInitialMs) * time.Millisecond
	if initial <= 0 {
		initial = constants.DefaultRealtimeReconnectMs * time.Millisecond
	}
	maxDelay := time.Duration(cfg.ReconnectMaxMs) * time.Millisecond
	if maxDelay < initial {
		maxDelay = constants.DefaultRealtimeReconnectMaxMs * time.Millisecond
	}

	return &WSClient{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  auth.APIKey,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   2,
			MaxAttempts:  math.MaxInt32,
			Jitter:       true,
		}),
		httpClient:  http.DefaultClient,
		logger:      logger,
		accessToken: auth.AccessToken,
	}
}

func (c *WSClient) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// OnReconnect registers fn to run after a dropped connection is re-established.
// Changes published while disconnected are not replayed, so callers typically
// reload state from the backend here.
func (c *WSClient) OnReconnect(fn func(topic string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *WSClient) Subscribe(ctx context.Context, conversationID string, fn ChangeHandler) (Subscription, error) {
	topic := MessagesTopic(conversationID)
	s, err := c.open(ctx, topic, MessagesPath+url.PathEscape(conversationID), func(data []byte) {
		var event models.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Warn("Dropping malformed change frame")
			return
		}
		metrics.IncrementCounter(metrics.RealtimeEvents, map[string]string{"kind": "change", "type": string(event.Type)}, "Realtime frames received")
		fn(event)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *WSClient) Join(ctx context.Context, topic string, fn BroadcastHandler) (Channel, error) {
	s, err := c.open(ctx, BroadcastTopic(topic), BroadcastPath+url.PathEscape(topic), func(data []byte) {
		var event models.BroadcastEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Warn("Dropping malformed broadcast frame")
			return
		}
		metrics.IncrementCounter(metrics.RealtimeEvents, map[string]string{"kind": "broadcast", "type": event.Event}, "Realtime frames received")
		fn(event)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *WSClient) headers() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("apikey", c.apiKey)
	}
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

func (c *WSClient) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, c.baseURL+path, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.headers(),
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// open dials once so the caller learns about bad credentials or a bad URL
// right away, then hands the connection to a goroutine that keeps it alive.
func (c *WSClient) open(ctx context.Context, name, path string, onFrame func([]byte)) (*stream, error) {
	conn, err := c.dial(ctx, path)
	if err != nil {
		return nil, apperrors.NewRealtimeError(name, err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		client:  c,
		topic:   name,
		path:    path,
		onFrame: onFrame,
		ctx:     streamCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		conn:    conn,
	}
	go s.run()

	c.logger.WithFields(logrus.Fields{
		"topic":               privacy.MaskID(name),
		constants.LogFieldURL: c.baseURL + path,
	}).Debug("Realtime subscription opened")
	return s, nil
}

// stream is one reconnecting websocket subscription.
type stream struct {
	client  *WSClient
	topic   string
	path    string
	onFrame func([]byte)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) run() {
	defer close(s.done)
	logger := s.client.logger.WithField("topic", privacy.MaskID(s.topic))

	conn := s.current()
	attempt := 0
	for {
		if conn != nil {
			err := s.readLoop(conn)
			s.setConn(nil)
			conn.CloseNow()
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Realtime connection lost, reconnecting")
		}

		attempt++
		delay := s.client.backoff.GetNextDelay(attempt)
		metrics.IncrementCounter(metrics.RealtimeReconnects, nil, "Realtime reconnect attempts")
		if !retry.Sleep(s.ctx, delay) {
			return
		}

		next, err := s.client.dial(s.ctx, s.path)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithFields(logrus.Fields{
				constants.LogFieldAttempt: attempt,
				"next_delay_ms":           s.client.backoff.GetNextDelay(attempt + 1).Milliseconds(),
			}).Debug("Realtime reconnect failed")
			conn = nil
			continue
		}

		attempt = 0
		conn = next
		s.setConn(conn)
		logger.Info("Realtime connection re-established")

		s.client.mu.RLock()
		hook := s.client.onReconnect
		s.client.mu.RUnlock()
		if hook != nil {
			hook(s.topic)
		}
	}
}

func (s *stream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.deliver(data)
	}
}

func (s *stream) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.client.logger.WithField("panic", r).Error("Realtime handler panicked")
		}
	}()
	s.onFrame(data)
}

func (s *stream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Send publishes an ephemeral event to the other members of the topic. It
// fails while the connection is being re-established.
func (s *stream) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	conn := s.current()
	if conn == nil || s.closing.Load() {
		return apperrors.NewRealtimeError(s.topic, errNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := models.BroadcastEvent{
		Topic:   strings.TrimPrefix(s.topic, BroadcastTopic("")),
		Event:   event,
		Payload: raw,
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return apperrors.NewRealtimeError(s.topic, err)
	}
	return nil
}

// Close ends the subscription and waits for its goroutine. It is safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if conn := s.current(); conn != nil {
			conn.Close(websocket.StatusNormalClosure, "subscription closed")
		}
		s.cancel()
		<-s.done
	})
	return nil
}
