package timeline

import (
	"testing"
	"time"

	"silvenger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func row(id, sender string, sec int, read bool) models.ServerMessage {
	return models.ServerMessage{ID: id, ConversationID: "c1", SenderID: sender, Content: "row " + id, CreatedAt: at(sec), IsRead: read}
}

func queued(id string, sec int, status models.MessageStatus) models.QueuedMessage {
	return models.QueuedMessage{ID: id, ConversationID: "c1", Content: "local " + id, CreatedAt: at(sec), Status: status}
}

func entryIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status models.MessageStatus
		want   Icon
	}{
		{models.StatusQueued, IconPending},
		{models.StatusSending, IconSpinner},
		{models.StatusSent, IconCheck},
		{models.StatusDelivered, IconDoubleCheck},
		{models.StatusRead, IconDoubleCheckAccent},
		{models.StatusFailed, IconError},
		{"unknown", IconNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusIcon(tt.status))
		})
	}
}

func TestConfirmedIcon(t *testing.T) {
	assert.Equal(t, IconCheck, ConfirmedIcon(false))
	assert.Equal(t, IconDoubleCheckAccent, ConfirmedIcon(true))
}

func TestIconString(t *testing.T) {
	assert.Equal(t, "double_check_accent", IconDoubleCheckAccent.String())
	assert.Equal(t, "none", Icon(99).String())
}

func TestMerge_OrdersByCreatedAt(t *testing.T) {
	confirmed := []models.ServerMessage{row("r1", "bob", 1, true), row("r3", "alice", 3, false)}
	local := []models.QueuedMessage{queued("q2", 2, models.StatusSending), queued("q4", 4, models.StatusQueued)}

	entries := Merge(confirmed, local, "alice")

	assert.Equal(t, []string{"r1", "q2", "r3", "q4"}, entryIDs(entries))
}

func TestMerge_TiesKeepInputOrder(t *testing.T) {
	confirmed := []models.ServerMessage{row("r-a", "bob", 5, false), row("r-b", "bob", 5, false)}
	local := []models.QueuedMessage{queued("q-a", 5, models.StatusQueued), queued("q-b", 5, models.StatusQueued)}

	entries := Merge(confirmed, local, "alice")
	assert.Equal(t, []string{"r-a", "r-b", "q-a", "q-b"}, entryIDs(entries))
}

func TestMerge_ProjectsQueuedMessages(t *testing.T) {
	entries := Merge(nil, []models.QueuedMessage{queued("q1", 1, models.StatusSending)}, "alice")

	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "alice", e.SenderID)
	assert.True(t, e.Local)
	assert.True(t, e.FromCurrentUser)
	assert.False(t, e.ShowAvatar)
	assert.Equal(t, models.StatusSending, e.Status)
	assert.Equal(t, IconSpinner, e.Icon)
	assert.Equal(t, "local q1", e.Content)
}

func TestMerge_ConfirmedRowWinsOverQueuedCopy(t *testing.T) {
	confirmed := []models.ServerMessage{row("m1", "alice", 1, true)}
	local := []models.QueuedMessage{queued("m1", 1, models.StatusSending), queued("m2", 2, models.StatusQueued)}

	entries := Merge(confirmed, local, "alice")

	require.Equal(t, []string{"m1", "m2"}, entryIDs(entries))
	assert.False(t, entries[0].Local)
	assert.Equal(t, IconDoubleCheckAccent, entries[0].Icon)
}

func TestMerge_AvatarOnFirstOfRun(t *testing.T) {
	confirmed := []models.ServerMessage{
		row("1", "bob", 1, false),
		row("2", "bob", 2, false),
		row("3", "alice", 3, false),
		row("4", "bob", 4, false),
		row("5", "carol", 5, false),
		row("6", "carol", 6, false),
	}

	entries := Merge(confirmed, nil, "alice")

	var avatars []bool
	for _, e := range entries {
		avatars = append(avatars, e.ShowAvatar)
	}
	assert.Equal(t, []bool{true, false, false, true, true, false}, avatars)
}

func TestMerge_QueuedMessageBreaksRun(t *testing.T) {
	confirmed := []models.ServerMessage{row("1", "bob", 1, false), row("3", "bob", 3, false)}
	local := []models.QueuedMessage{queued("2", 2, models.StatusQueued)}

	entries := Merge(confirmed, local, "alice")
	assert.True(t, entries[0].ShowAvatar)
	assert.False(t, entries[1].ShowAvatar)
	assert.True(t, entries[2].ShowAvatar)
}

func TestMerge_Empty(t *testing.T) {
	entries := Merge(nil, nil, "alice")
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
