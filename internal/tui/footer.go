package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Footer renders the status bar and keyboard hints.
type Footer struct {
	message   string
	failed    bool
	busy      bool
	streaming bool
	spinner   string
	width     int

	// Styles
	errorStyle     lipgloss.Style
	busyStyle      lipgloss.Style
	hintStyle      lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		busyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetMessage sets the status message.
func (f *Footer) SetMessage(message string, failed bool) {
	f.message = message
	f.failed = failed
}

// SetBusy shows the spinner frame while a turn or a stream is running.
func (f *Footer) SetBusy(busy, streaming bool, frame string) {
	f.busy = busy
	f.streaming = streaming
	f.spinner = frame
}

// SetWidth sets the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
}

// View renders the footer.
func (f *Footer) View() string {
	var left string
	switch {
	case f.busy && f.streaming:
		left = f.busyStyle.Render(f.spinner + " generating")
	case f.busy:
		left = f.busyStyle.Render(f.spinner + " thinking")
	case f.message != "" && f.failed:
		left = f.errorStyle.Render("✗ " + f.message)
	case f.message != "":
		left = f.hintStyle.Render(f.message)
	}

	right := f.keyboardHints()
	if left == "" {
		return right
	}
	return left + f.separatorStyle.Render(" │ ") + right
}

func (f *Footer) keyboardHints() string {
	hints := "enter send │ pgup/pgdn scroll"
	if f.streaming {
		hints += " │ esc stop"
	}
	hints += " │ ctrl+c quit"
	return f.hintStyle.Render(hints)
}
