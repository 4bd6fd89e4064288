package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"silvenger/internal/timeline"
)

const (
	ansiReset  = "\x1b[0m"
	ansiAccent = "\x1b[1;34m"
	ansiError  = "\x1b[1;31m"
	ansiDim    = "\x1b[2m"
)

// Glyph is the text form of a delivery indicator. Without color the accent
// variant is bracketed so read and delivered stay distinguishable.
func Glyph(icon timeline.Icon, color bool) string {
	switch icon {
	case timeline.IconPending:
		return " "
	case timeline.IconSpinner:
		return "…"
	case timeline.IconCheck:
		return "✓"
	case timeline.IconDoubleCheck:
		return "✓✓"
	case timeline.IconDoubleCheckAccent:
		if color {
			return ansiAccent + "✓✓" + ansiReset
		}
		return "[✓✓]"
	case timeline.IconError:
		if color {
			return ansiError + "!" + ansiReset
		}
		return "!"
	default:
		return ""
	}
}

// FormatTimestamp renders when a message was written relative to now: the
// clock for today, weekday and clock within the last week, the full date
// otherwise. Days are counted in at's location.
func FormatTimestamp(at, now time.Time) string {
	now = now.In(at.Location())
	ay, am, ad := at.Date()
	ny, nm, nd := now.Date()
	switch {
	case ay == ny && am == nm && ad == nd:
		return at.Format("15:04")
	case now.Sub(at) < 7*24*time.Hour:
		return at.Format("Monday 15:04")
	default:
		return at.Format("2 Jan 2006 15:04")
	}
}

// FormatEntry renders one timeline entry as a single line. Indicators are
// shown on the current user's messages only; another sender's name is
// printed on the first message of their run.
func FormatEntry(e timeline.Entry, now time.Time, color bool) string {
	return FormatTimestamp(e.CreatedAt.Local(), now) + " " + formatBody(e, color)
}

func formatBody(e timeline.Entry, color bool) string {
	var b strings.Builder
	switch {
	case e.FromCurrentUser:
		b.WriteString("you: ")
	case e.ShowAvatar:
		b.WriteString(e.SenderID + ": ")
	default:
		b.WriteString(strings.Repeat(" ", len(e.SenderID)+2))
	}
	b.WriteString(e.Content)

	if e.FromCurrentUser {
		if glyph := Glyph(e.Icon, color); strings.TrimSpace(glyph) != "" {
			b.WriteString("  " + glyph)
		}
	}
	return b.String()
}

// Renderer prints a conversation as a log: an entry is written when it first
// appears and again whenever its rendered line changes.
// The timestamp is not part of the comparison, so an entry is not reprinted
// just because the day rolled over.
type Renderer struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	now    func() time.Time
	shown  map[string]string
	typing string
}

func NewRenderer(out io.Writer, color bool) *Renderer {
	return &Renderer{
		out:   out,
		color: color,
		now:   time.Now,
		shown: make(map[string]string),
	}
}

// Render writes the entries that are new or changed since the last call and
// returns how many lines were written.
func (r *Renderer) Render(entries []timeline.Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	written := 0
	for _, e := range entries {
		body := formatBody(e, r.color)
		if r.shown[e.ID] == body {
			continue
		}
		r.shown[e.ID] = body
		fmt.Fprintln(r.out, FormatTimestamp(e.CreatedAt.Local(), now)+" "+body)
		written++
	}
	return written
}

// Forget drops the record of an entry so it is printed again if it returns.
func (r *Renderer) Forget(id string) {
	r.mu.Lock()
	delete(r.shown, id)
	r.mu.Unlock()
}

// Typing prints who is typing whenever that set changes.
func (r *Renderer) Typing(users []string) {
	line := ""
	switch len(users) {
	case 0:
	case 1:
		line = users[0] + " is typing…"
	default:
		line = strings.Join(users, ", ") + " are typing…"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.typing {
		return
	}
	r.typing = line
	if line != "" {
		r.dim(line)
	}
}

func (r *Renderer) Notice(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dim(fmt.Sprintf(format, args...))
}

func (r *Renderer) dim(line string) {
	if r.color {
		fmt.Fprintln(r.out, ansiDim+"-- "+line+ansiReset)
		return
	}
	fmt.Fprintln(r.out, "-- "+line)
}
