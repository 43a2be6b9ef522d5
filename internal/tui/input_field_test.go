package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestNewInputField(t *testing.T) {
	field := NewInputField()

	if field == nil {
		t.Fatal("NewInputField returned nil")
	}
	if field.width != 80 {
		t.Errorf("Default width = %d, want 80", field.width)
	}
}

func TestInputField_SetWidth(t *testing.T) {
	field := NewInputField()

	field.SetWidth(120)

	if field.width != 120 {
		t.Errorf("Width after SetWidth(120) = %d, want 120", field.width)
	}
	if field.input.Width != 116 {
		t.Errorf("Input width = %d, want 116", field.input.Width)
	}
}

func TestInputField_Update_Enter_EmptyInput(t *testing.T) {
	field := NewInputField()
	field.input.SetValue("   ")

	_, cmd := field.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("blank input should not be submitted")
	}
}

func TestInputField_Update_Enter_WithInput(t *testing.T) {
	field := NewInputField()
	field.input.SetValue("  make a book about owls ")

	updated, cmd := field.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a submit command")
	}

	msg, ok := cmd().(SubmittedMsg)
	if !ok {
		t.Fatalf("expected SubmittedMsg, got %T", cmd())
	}
	if msg.Text != "make a book about owls" {
		t.Errorf("Text = %q, want trimmed input", msg.Text)
	}
	if updated.Value() != "" {
		t.Errorf("input should be cleared after submit, got %q", updated.Value())
	}
}

func TestInputField_Update_Typing(t *testing.T) {
	field := NewInputField()

	for _, r := range "hi" {
		field, _ = field.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	if field.Value() != "hi" {
		t.Errorf("Value() = %q, want %q", field.Value(), "hi")
	}
}

func TestInputField_View(t *testing.T) {
	field := NewInputField()
	if field.View() == "" {
		t.Error("View should render the input box")
	}
}
