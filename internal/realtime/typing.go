package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"silvenger/internal/constants"
	"silvenger/internal/models"
)

// TypingEvent is the broadcast event name used for typing indicators.
const TypingEvent = "typing"

// TypingPayload is the body of a typing broadcast.
type TypingPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// TypingTracker keeps the set of users currently typing in one conversation.
// A typing signal expires after the TTL unless it is refreshed.
type TypingTracker struct {
	selfID string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

func NewTypingTracker(selfID string, ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = constants.TypingIndicatorTTL
	}
	return &TypingTracker{
		selfID: selfID,
		ttl:    ttl,
		now:    time.Now,
		until:  make(map[string]time.Time),
	}
}

// Observe applies a broadcast event and reports whether the visible set changed.
// Events other than typing, and signals from selfID, are ignored.
func (t *TypingTracker) Observe(event models.BroadcastEvent) bool {
	if event.Event != TypingEvent {
		return false
	}
	var payload TypingPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.UserID == "" || payload.UserID == t.selfID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.expireLocked(now)

	_, wasTyping := t.until[payload.UserID]
	if payload.IsTyping {
		t.until[payload.UserID] = now.Add(t.ttl)
		return !wasTyping
	}
	delete(t.until, payload.UserID)
	return wasTyping
}

// Active returns the users typing right now, sorted.
func (t *TypingTracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(t.now())

	users := make([]string, 0, len(t.until))
	for id := range t.until {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (t *TypingTracker) expireLocked(now time.Time) {
	for id, until := range t.until {
		if !now.Before(until) {
			delete(t.until, id)
		}
	}
}
