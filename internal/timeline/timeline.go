package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"
	"silvenger/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Lister fetches the confirmed rows of a conversation ordered by created_at.
type Lister interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.ServerMessage, error)
}

// ReadMarker flags a confirmed row as read by the current user.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Timeline is the reconciled view of one open conversation. It is fed by
// the initial fetch, by change-feed events and by queue snapshots, and is
// safe for use from the goroutines delivering each of those.
type Timeline struct {
	conversationID string
	currentUserID  string
	marker         ReadMarker
	logger         *apperrors.Logger

	mu        sync.Mutex
	confirmed []models.ServerMessage
	byID      map[string]int
	queued    []models.QueuedMessage
	// settled holds messages that left the queue as sent or failed. Sent ones
	// are shown until their confirmed row arrives; failed ones stay for good.
	settled map[string]models.QueuedMessage
}

func New(conversationID, currentUserID string, marker ReadMarker, logger *logrus.Logger) *Timeline {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Timeline{
		conversationID: conversationID,
		currentUserID:  currentUserID,
		marker:         marker,
		logger:         apperrors.FromLogrus(logger),
		byID:           make(map[string]int),
		settled:        make(map[string]models.QueuedMessage),
	}
}

func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Load replaces the confirmed rows with a fresh fetch and marks unread
// messages from other senders as read.
func (t *Timeline) Load(ctx context.Context, lister Lister) error {
	rows, err := lister.ListMessages(ctx, t.conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	t.mu.Lock()
	t.confirmed = t.confirmed[:0]
	t.byID = make(map[string]int, len(rows))
	var unread []string
	for _, row := range rows {
		if row.ConversationID != "" && row.ConversationID != t.conversationID {
			continue
		}
		if _, dup := t.byID[row.ID]; dup {
			continue
		}
		t.addLocked(row)
		if t.incomingUnread(row) {
			unread = append(unread, row.ID)
		}
	}
	t.mu.Unlock()

	t.markRead(ctx, unread...)
	return nil
}

// Apply folds a change-feed event into the view and reports whether it
// changed anything. INSERT adds a row once per id and UPDATE refreshes the
// read state of a known row.
func (t *Timeline) Apply(ctx context.Context, event models.ChangeEvent) bool {
	row := event.Row
	if row.ConversationID != t.conversationID {
		return false
	}

	t.mu.Lock()
	i, known := t.byID[row.ID]
	switch event.Type {
	case models.ChangeInsert:
		if known {
			t.mu.Unlock()
			return false
		}
		t.addLocked(row)
		t.mu.Unlock()

		if t.incomingUnread(row) {
			t.markRead(ctx, row.ID)
		}
		return true

	case models.ChangeUpdate:
		if !known {
			t.mu.Unlock()
			return false
		}
		current := t.confirmed[i]
		changed := current.IsRead != row.IsRead || current.Content != row.Content
		current.IsRead = row.IsRead
		current.Content = row.Content
		t.confirmed[i] = current
		t.mu.Unlock()
		return changed

	default:
		t.mu.Unlock()
		return false
	}
}

// SetQueue takes a queue snapshot, keeping only this conversation's messages.
func (t *Timeline) SetQueue(snapshot []models.QueuedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queued = t.queued[:0]
	for _, msg := range snapshot {
		if msg.ConversationID != t.conversationID {
			continue
		}
		if msg.Status.IsTerminal() {
			if _, confirmed := t.byID[msg.ID]; !confirmed || msg.Status == models.StatusFailed {
				t.settled[msg.ID] = msg
			}
			continue
		}
		t.queued = append(t.queued, msg)
	}
}

// Entries returns the merged view in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	local := make([]models.QueuedMessage, 0, len(t.queued)+len(t.settled))
	local = append(local, t.queued...)
	settled := make([]models.QueuedMessage, 0, len(t.settled))
	for _, msg := range t.settled {
		settled = append(settled, msg)
	}
	sort.Slice(settled, func(i, j int) bool {
		if settled[i].CreatedAt.Equal(settled[j].CreatedAt) {
			return settled[i].ID < settled[j].ID
		}
		return settled[i].CreatedAt.Before(settled[j].CreatedAt)
	})
	local = append(local, settled...)

	return Merge(t.confirmed, local, t.currentUserID)
}

// Failed returns the messages that exhausted their attempts, oldest first.
func (t *Timeline) Failed() []models.QueuedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []models.QueuedMessage
	for _, msg := range t.settled {
		if msg.Status == models.StatusFailed {
			failed = append(failed, msg)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	return failed
}

// Dismiss removes a failed message from the view, typically after its
// content was enqueued again. It reports whether anything was removed.
func (t *Timeline) Dismiss(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.settled[messageID]
	if !ok || msg.Status != models.StatusFailed {
		return false
	}
	delete(t.settled, messageID)
	return true
}

func (t *Timeline) addLocked(row models.ServerMessage) {
	t.byID[row.ID] = len(t.confirmed)
	t.confirmed = append(t.confirmed, row)
	if msg, ok := t.settled[row.ID]; ok && msg.Status != models.StatusFailed {
		delete(t.settled, row.ID)
	}
}

func (t *Timeline) incomingUnread(row models.ServerMessage) bool {
	return !row.IsRead && row.SenderID != t.currentUserID
}

func (t *Timeline) markRead(ctx context.Context, ids ...string) {
	if t.marker == nil {
		return
	}
	for _, id := range ids {
		if err := t.marker.MarkRead(ctx, id); err != nil {
			t.logger.LogWarn(err, "Failed to mark message read", logrus.Fields{
				constants.LogFieldMessageID:      privacy.MaskMessageID(id),
				constants.LogFieldConversationID: privacy.MaskID(t.conversationID),
			})
		}
	}
}
