// Package realtime carries backend row changes and ephemeral signals between
// the backend and connected clients over websockets.
//
// Two capabilities are kept apart: ChangeFeed delivers durable INSERT/UPDATE
// notifications for message rows, while Broadcast relays short-lived events
// such as typing indicators that are never stored or replayed.
package realtime

import (
	"context"

	"silvenger/internal/models"
)

// Paths served under the realtime base URL
const (
	MessagesPath  = "/messages/"
	BroadcastPath = "/broadcast/"
)

type ChangeHandler func(models.ChangeEvent)

type BroadcastHandler func(models.BroadcastEvent)

// Subscription is owned by whoever subscribed and must be closed on teardown.
type Subscription interface {
	Close() error
}

// ChangeFeed delivers row changes for one conversation in the order the
// backend published them.
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string, fn ChangeHandler) (Subscription, error)
}

// Channel is a joined broadcast topic.
type Channel interface {
	Subscription
	Send(ctx context.Context, event string, payload any) error
}

// Broadcast joins ephemeral topics. Events sent on a channel reach the other
// members of the topic but not the sender.
type Broadcast interface {
	Join(ctx context.Context, topic string, fn BroadcastHandler) (Channel, error)
}

// MessagesTopic is the hub topic carrying changes for a conversation.
func MessagesTopic(conversationID string) string {
	return "messages:" + conversationID
}

// BroadcastTopic is the hub topic for an ephemeral channel.
func BroadcastTopic(topic string) string {
	return "broadcast:" + topic
}
