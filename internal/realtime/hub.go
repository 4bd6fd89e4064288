package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"silvenger/internal/constants"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/privacy"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Hub fans JSON frames out to the websocket peers subscribed to a topic.
// A peer whose send buffer is full is disconnected instead of slowing the
// publisher down.
type Hub struct {
	logger *logrus.Logger
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*peer]struct{}
	closed bool
}

type peer struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once

	status websocket.StatusCode
	reason string
}

func (p *peer) close(status websocket.StatusCode, reason string) {
	p.once.Do(func() {
		p.status = status
		p.reason = reason
		close(p.done)
	})
}

func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultRealtimeSubscriberBuffer
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		topics: make(map[string]map[*peer]struct{}),
	}
}

// PublishChange sends a row change to every subscriber of the conversation.
// It returns how many peers the frame was queued for.
func (h *Hub) PublishChange(conversationID string, event models.ChangeEvent) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal change event")
		return 0
	}
	return h.publish(MessagesTopic(conversationID), data, nil)
}

// Subscribers returns the number of peers connected to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every peer. Connections that arrive afterwards are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var peers []*peer
	for _, set := range h.topics {
		for p := range set {
			peers = append(peers, p)
		}
	}
	h.topics = make(map[string]map[*peer]struct{})
	h.mu.Unlock()

	for _, p := range peers {
		p.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Disconnect drops every peer on topic while leaving the hub open.
func (h *Hub) Disconnect(topic string) int {
	h.mu.Lock()
	set := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()

	for p := range set {
		p.close(websocket.StatusGoingAway, "topic reset")
	}
	return len(set)
}

func (h *Hub) add(topic string, p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*peer]struct{})
		h.topics[topic] = set
	}
	set[p] = struct{}{}
	return true
}

func (h *Hub) remove(topic string, p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) publish(topic string, data []byte, except *peer) int {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.topics[topic]))
	for p := range h.topics[topic] {
		if p != except {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		select {
		case p.send <- data:
			delivered++
		default:
			h.remove(topic, p)
			p.close(websocket.StatusPolicyViolation, "subscriber too slow")
			h.logger.WithFields(logrus.Fields{
				"topic":   privacy.MaskID(topic),
				"peer_id": p.id,
			}).Warn("Dropping slow realtime subscriber")
		}
	}

	metrics.AddToCounter(metrics.ServerFanout, float64(delivered), nil, "Realtime frames queued for subscribers")
	return delivered
}

// ServeChanges upgrades the request and streams change events for the
// conversation until the peer goes away.
func (h *Hub) ServeChanges(w http.ResponseWriter, r *http.Request, conversationID string) {
	h.serve(w, r, MessagesTopic(conversationID), false)
}

// ServeBroadcast upgrades the request and relays events between the peers
// of topic. Nothing is stored, so late joiners see only new events.
func (h *Hub) ServeBroadcast(w http.ResponseWriter, r *http.Request, topic string) {
	h.serve(w, r, BroadcastTopic(topic), true)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, topic string, relay bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	p := &peer{
		id:   uuid.NewString(),
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	if !h.add(topic, p) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(topic, p)

	logger := h.logger.WithFields(logrus.Fields{
		"topic":   privacy.MaskID(topic),
		"peer_id": p.id,
	})
	logger.Debug("Realtime peer connected")

	ctx := r.Context()
	if relay {
		go h.relay(ctx, conn, topic, p)
	} else {
		ctx = conn.CloseRead(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			logger.Debug("Realtime peer disconnected")
			return
		case <-p.done:
			if p.status == 0 {
				conn.CloseNow()
			} else {
				conn.Close(p.status, p.reason)
			}
			logger.WithField("reason", p.reason).Debug("Realtime peer closed")
			return
		case data := <-p.send:
			if err := writeFrame(ctx, conn, data); err != nil {
				logger.WithError(err).Debug("Realtime write failed")
				conn.CloseNow()
				return
			}
		}
	}
}

// relay reads events from a broadcast peer and forwards them to the rest of
// the topic. A read error ends the peer.
func (h *Hub) relay(ctx context.Context, conn *websocket.Conn, topic string, from *peer) {
	defer from.close(0, "")
	for {
		var event models.BroadcastEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return
		}
		if event.Event == "" {
			continue
		}
		event.Topic = topic[len(BroadcastTopic("")):]
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		h.publish(topic, data, from)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
