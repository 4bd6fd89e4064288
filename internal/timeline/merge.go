// Package timeline reconciles confirmed backend rows with messages still in
// the local outbound queue into one ordered view of a conversation.
package timeline

import (
	"sort"
	"time"

	"silvenger/internal/models"
)

// Icon is the delivery indicator shown next to a message.
type Icon int

const (
	IconNone Icon = iota
	IconPending
	IconSpinner
	IconCheck
	IconDoubleCheck
	IconDoubleCheckAccent
	IconError
)

func (i Icon) String() string {
	switch i {
	case IconPending:
		return "pending"
	case IconSpinner:
		return "spinner"
	case IconCheck:
		return "check"
	case IconDoubleCheck:
		return "double_check"
	case IconDoubleCheckAccent:
		return "double_check_accent"
	case IconError:
		return "error"
	default:
		return "none"
	}
}

// StatusIcon maps a local queue status to its indicator.
func StatusIcon(status models.MessageStatus) Icon {
	switch status {
	case models.StatusQueued:
		return IconPending
	case models.StatusSending:
		return IconSpinner
	case models.StatusSent:
		return IconCheck
	case models.StatusDelivered:
		return IconDoubleCheck
	case models.StatusRead:
		return IconDoubleCheckAccent
	case models.StatusFailed:
		return IconError
	default:
		return IconNone
	}
}

// ConfirmedIcon maps a backend row to its indicator. Only the read flag counts.
func ConfirmedIcon(isRead bool) Icon {
	if isRead {
		return IconDoubleCheckAccent
	}
	return IconCheck
}

// Entry is one displayed message.
type Entry struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time

	// Local is set for messages projected from the outbound queue; Status
	// is meaningful only then.
	Local  bool
	Status models.MessageStatus
	IsRead bool
	Icon   Icon

	FromCurrentUser bool
	// ShowAvatar marks the first message of a run from another sender.
	ShowAvatar bool
}

// Merge builds the displayed sequence. Queued messages are attributed to
// currentUserID and skipped once a confirmed row with the same id exists.
// Entries are ordered by CreatedAt with ties kept in input order, confirmed
// rows first. Client and server clocks are compared as-is, so skew between
// them can misplace local messages.
func Merge(confirmed []models.ServerMessage, queued []models.QueuedMessage, currentUserID string) []Entry {
	entries := make([]Entry, 0, len(confirmed)+len(queued))
	seen := make(map[string]bool, len(confirmed))

	for _, row := range confirmed {
		seen[row.ID] = true
		entries = append(entries, Entry{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Content:        row.Content,
			CreatedAt:      row.CreatedAt,
			IsRead:         row.IsRead,
			Icon:           ConfirmedIcon(row.IsRead),
		})
	}

	for _, msg := range queued {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		entries = append(entries, Entry{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       currentUserID,
			Content:        msg.Content,
			CreatedAt:      msg.CreatedAt,
			Local:          true,
			Status:         msg.Status,
			Icon:           StatusIcon(msg.Status),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	for i := range entries {
		e := &entries[i]
		e.FromCurrentUser = e.SenderID == currentUserID
		e.ShowAvatar = !e.FromCurrentUser && (i == 0 || entries[i-1].SenderID != e.SenderID)
	}
	return entries
}
