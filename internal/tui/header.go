package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Header renders the title bar and the session's workflow position.
type Header struct {
	width     int
	sessionID string
	workflow  string
	step      string
	status    models.SessionStatus
	flags     models.Flags
}

// NewHeader creates a new Header.
func NewHeader() *Header {
	return &Header{
		width: 80,
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// SetSession copies the displayed fields from s.
func (h *Header) SetSession(s *models.SessionState) {
	if s == nil {
		return
	}
	h.sessionID = s.ID
	h.workflow = s.CurrentWorkflow
	h.step = s.CurrentStep
	h.status = s.Status
	h.flags = s.Flags()
}

// View renders the header.
func (h *Header) View() string {
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#4ECDC4")).
		Bold(true).
		Render("quill")

	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	position := "no workflow yet"
	if h.workflow != "" {
		position = fmt.Sprintf("%s › %s (%s)", h.workflow, h.step, h.status)
	}
	session := "new session"
	if h.sessionID != "" {
		session = shortID(h.sessionID)
	}

	line := title + muted.Render("  "+session+"  ·  "+position)
	artifacts := muted.Render(h.artifacts())

	return lipgloss.NewStyle().
		Width(h.width).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(lipgloss.Color("236")).
		Render(lipgloss.JoinVertical(lipgloss.Left, line, artifacts))
}

// Height returns the header height in lines.
func (h *Header) Height() int {
	return 3 // title + artifacts + border
}

func (h *Header) artifacts() string {
	mark := func(name string, ok bool) string {
		if ok {
			return "✓" + name
		}
		return "·" + name
	}
	f := h.flags
	return fmt.Sprintf("%s %s %s %s %s",
		mark("research", f.Research),
		mark("design", f.Design),
		mark("structure", f.Structure),
		mark("approved", f.StructureApproved),
		mark("content", f.Content))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
