package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"silvenger/internal/timeline"

	"github.com/stretchr/testify/assert"
)

func TestGlyph(t *testing.T) {
	tests := []struct {
		icon  timeline.Icon
		plain string
	}{
		{timeline.IconNone, ""},
		{timeline.IconPending, " "},
		{timeline.IconSpinner, "…"},
		{timeline.IconCheck, "✓"},
		{timeline.IconDoubleCheck, "✓✓"},
		{timeline.IconDoubleCheckAccent, "[✓✓]"},
		{timeline.IconError, "!"},
	}
	for _, tt := range tests {
		t.Run(tt.icon.String(), func(t *testing.T) {
			assert.Equal(t, tt.plain, Glyph(tt.icon, false))
		})
	}

	assert.Equal(t, ansiAccent+"✓✓"+ansiReset, Glyph(timeline.IconDoubleCheckAccent, true))
	assert.NotEqual(t, Glyph(timeline.IconDoubleCheck, true), Glyph(timeline.IconDoubleCheckAccent, true))
}

func TestFormatTimestamp(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2026, 4, 10, 18, 0, 0, 0, zone)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"earlier today", time.Date(2026, 4, 10, 9, 5, 0, 0, zone), "09:05"},
		{"yesterday", time.Date(2026, 4, 9, 23, 59, 0, 0, zone), "Thursday 23:59"},
		{"three days ago", time.Date(2026, 4, 7, 8, 15, 0, 0, zone), "Tuesday 08:15"},
		{"just under a week", time.Date(2026, 4, 3, 18, 30, 0, 0, zone), "Friday 18:30"},
		{"a week ago", time.Date(2026, 4, 3, 17, 0, 0, 0, zone), "3 Apr 2026 17:00"},
		{"last year", time.Date(2025, 12, 24, 20, 45, 0, 0, zone), "24 Dec 2025 20:45"},
	}
	justAfterMidnight := time.Date(2026, 4, 10, 0, 30, 0, 0, zone)
	assert.Equal(t, "00:30", FormatTimestamp(justAfterMidnight, now))
	assert.Equal(t, "Thursday 22:30", FormatTimestamp(justAfterMidnight.UTC(), now), "days follow at's location")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTimestamp(tt.at, now))
		})
	}
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2026, 4, 2, 10, 30, 0, 0, time.Local)
	now := at.Add(time.Minute)

	own := timeline.Entry{ID: "1", SenderID: "alice", Content: "hi", CreatedAt: at, FromCurrentUser: true, Icon: timeline.IconCheck}
	assert.Equal(t, "10:30 you: hi  ✓", FormatEntry(own, now, false))

	own.Icon = timeline.IconPending
	assert.Equal(t, "10:30 you: hi", FormatEntry(own, now, false), "pending shows no indicator")

	first := timeline.Entry{ID: "2", SenderID: "bob", Content: "yo", CreatedAt: at, ShowAvatar: true, Icon: timeline.IconCheck}
	assert.Equal(t, "10:30 bob: yo", FormatEntry(first, now, false), "no indicator on incoming messages")
	assert.Equal(t, "2 Apr 2026 10:30 bob: yo", FormatEntry(first, now.AddDate(0, 1, 0), false))

	next := first
	next.ShowAvatar = false
	assert.Equal(t, "10:30       yo", FormatEntry(next, now, false))
}

func TestRenderer_PrintsOnlyChanges(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, false)
	at := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

	entries := []timeline.Entry{
		{ID: "1", SenderID: "alice", Content: "hi", CreatedAt: at, FromCurrentUser: true, Icon: timeline.IconSpinner},
		{ID: "2", SenderID: "bob", Content: "yo", CreatedAt: at, ShowAvatar: true},
	}
	assert.Equal(t, 2, r.Render(entries))
	assert.Equal(t, 0, r.Render(entries))

	entries[0].Icon = timeline.IconCheck
	assert.Equal(t, 1, r.Render(entries))

	r.Forget("2")
	assert.Equal(t, 1, r.Render(entries))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[2], "you: hi  ✓"))
}

func TestRenderer_DayChangeDoesNotReprint(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, false)
	at := time.Date(2026, 4, 2, 23, 50, 0, 0, time.Local)
	r.now = func() time.Time { return at }

	entries := []timeline.Entry{{ID: "1", SenderID: "bob", Content: "late", CreatedAt: at, ShowAvatar: true}}
	assert.Equal(t, 1, r.Render(entries))
	assert.Equal(t, "23:50 bob: late\n", out.String())

	r.now = func() time.Time { return at.Add(time.Hour) }
	assert.Equal(t, 0, r.Render(entries))

	entries = append(entries, timeline.Entry{ID: "2", SenderID: "bob", Content: "early", CreatedAt: at.Add(time.Hour)})
	assert.Equal(t, 1, r.Render(entries))
	assert.Equal(t, "23:50 bob: late\n00:50      early\n", out.String())
}

func TestRenderer_Typing(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(&out, false)

	r.Typing([]string{"bob"})
	r.Typing([]string{"bob"})
	r.Typing([]string{"bob", "carol"})
	r.Typing(nil)
	r.Typing([]string{"bob"})

	assert.Equal(t, "-- bob is typing…\n-- bob, carol are typing…\n-- bob is typing…\n", out.String())
}

func TestRenderer_NoticeColor(t *testing.T) {
	var out bytes.Buffer
	NewRenderer(&out, true).Notice("queued %d", 2)
	assert.Equal(t, ansiDim+"-- queued 2"+ansiReset+"\n", out.String())
}
