package models

import (
	"encoding/json"
	"time"
)

// MessageStatus is the lifecycle state of an outbound message as seen by the client.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a message in this status has left the send queue.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// IsReceipt reports whether s is an informational delivery overlay.
func (s MessageStatus) IsReceipt() bool {
	return s == StatusDelivered || s == StatusRead
}

// QueuedMessage is an outbound message the backend has not confirmed yet.
// The ID is generated on the client and reused as the backend row id.
type QueuedMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
}

// ServerMessage is a message row persisted by the backend.
type ServerMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"profile_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageInsert is the row the delivery client asks the backend to create.
type MessageInsert struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"profile_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// NewMessageInsert builds the insert row for a queued message sent by senderID.
func NewMessageInsert(msg QueuedMessage, senderID string) MessageInsert {
	return MessageInsert{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       senderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		IsRead:         false,
	}
}

// ChangeType is the kind of row change delivered by the change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// ChangeEvent is one durable change-feed notification for a message row.
type ChangeEvent struct {
	Type ChangeType    `json:"type"`
	Row  ServerMessage `json:"row"`
}

// BroadcastEvent is an ephemeral signal such as typing or presence. It is
// never persisted and is not replayed to late subscribers.
type BroadcastEvent struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
