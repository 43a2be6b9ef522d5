package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/quill/pkg/models"
)

// EntryKind is the author or nature of a transcript entry.
type EntryKind int

const (
	EntryUser EntryKind = iota
	EntryAssistant
	EntrySystem
	EntryError
	EntryItem
)

// Entry is one block of the chat transcript.
type Entry struct {
	Kind  EntryKind
	Title string
	Text  string
}

// Transcript accumulates the conversation and any generation output.
// Generated items grow in place as content deltas arrive.
type Transcript struct {
	entries  []Entry
	items    map[int]int
	progress int

	userStyle      lipgloss.Style
	assistantStyle lipgloss.Style
	systemStyle    lipgloss.Style
	errorStyle     lipgloss.Style
	titleStyle     lipgloss.Style
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		items:    make(map[int]int),
		progress: -1,

		userStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true),
		assistantStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		systemStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		titleStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC857")).
			Bold(true),
	}
}

// Entries returns the entries in display order.
func (t *Transcript) Entries() []Entry {
	return t.entries
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

func (t *Transcript) add(kind EntryKind, text string) int {
	t.entries = append(t.entries, Entry{Kind: kind, Text: text})
	return len(t.entries) - 1
}

// AddUser records a user message.
func (t *Transcript) AddUser(text string) { t.add(EntryUser, text) }

// AddAssistant records an assistant reply.
func (t *Transcript) AddAssistant(text string) { t.add(EntryAssistant, text) }

// AddSystem records a status line.
func (t *Transcript) AddSystem(text string) { t.add(EntrySystem, text) }

// AddError records an error line.
func (t *Transcript) AddError(text string) { t.add(EntryError, text) }

// AddEvent folds one stream event into the transcript.
func (t *Transcript) AddEvent(ev models.StreamEvent) {
	switch ev.Type {
	case models.StreamStart:
		t.items = make(map[int]int)
		t.progress = -1
		t.AddSystem("Generation started.")

	case models.StreamItemCreated:
		n, _ := intValue(ev.Payload["index"])
		title, _ := ev.Payload["title"].(string)
		pos := t.add(EntryItem, "")
		t.entries[pos].Title = fmt.Sprintf("%d. %s", n, title)
		t.items[n] = pos

	case models.StreamContent:
		n, _ := intValue(ev.Payload["index"])
		delta, _ := ev.Payload["delta"].(string)
		if pos, ok := t.items[n]; ok {
			t.entries[pos].Text += delta
		}

	case models.StreamProgress:
		done, _ := intValue(ev.Payload["done"])
		total, _ := intValue(ev.Payload["total"])
		line := fmt.Sprintf("Progress %d/%d", done, total)
		// One progress line per run, kept after the latest item.
		if t.progress >= 0 && t.progress == len(t.entries)-1 {
			t.entries[t.progress].Text = line
		} else {
			t.progress = t.add(EntrySystem, line)
		}

	case models.StreamComplete:
		t.AddSystem("Generation complete.")

	case models.StreamError:
		msg, _ := ev.Payload["error"].(string)
		if msg == "" {
			msg = "generation failed"
		}
		t.AddError("Generation stopped: " + msg)
	}
}

// Render lays the transcript out for the given width.
func (t *Transcript) Render(width int) string {
	if width <= 0 {
		width = 80
	}
	wrap := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for i, e := range t.entries {
		if i > 0 {
			b.WriteString("\n")
		}
		switch e.Kind {
		case EntryUser:
			b.WriteString(wrap.Render(t.userStyle.Render("you ") + e.Text))
		case EntryAssistant:
			b.WriteString(wrap.Render(t.assistantStyle.Render(e.Text)))
		case EntrySystem:
			b.WriteString(wrap.Render(t.systemStyle.Render(e.Text)))
		case EntryError:
			b.WriteString(wrap.Render(t.errorStyle.Render("✗ " + e.Text)))
		case EntryItem:
			b.WriteString(t.titleStyle.Render(e.Title))
			if e.Text != "" {
				b.WriteString("\n")
				b.WriteString(wrap.Render(e.Text))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// intValue reads a payload number. Events that crossed a JSON boundary
// carry float64.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
