package tui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/pkg/models"
)

func ev(t models.StreamEventType, payload map[string]any) models.StreamEvent {
	return models.StreamEvent{Type: t, Payload: payload}
}

func TestTranscript_FoldsGenerationEvents(t *testing.T) {
	tr := NewTranscript()
	tr.AddUser("approved")

	tr.AddEvent(ev(models.StreamStart, nil))
	tr.AddEvent(ev(models.StreamProgress, map[string]any{"done": 0, "total": 2}))
	tr.AddEvent(ev(models.StreamItemCreated, map[string]any{"index": 1, "title": "Owls"}))
	tr.AddEvent(ev(models.StreamContent, map[string]any{"index": 1, "delta": "Owls hunt "}))
	tr.AddEvent(ev(models.StreamContent, map[string]any{"index": 1, "delta": "at night."}))
	tr.AddEvent(ev(models.StreamProgress, map[string]any{"done": 1, "total": 2}))
	// Payloads that went through JSON carry float64.
	tr.AddEvent(ev(models.StreamItemCreated, map[string]any{"index": 2.0, "title": "Hawks"}))
	tr.AddEvent(ev(models.StreamContent, map[string]any{"index": 2.0, "delta": "Hawks soar."}))
	tr.AddEvent(ev(models.StreamProgress, map[string]any{"done": 2, "total": 2}))
	tr.AddEvent(ev(models.StreamComplete, nil))

	var items []Entry
	for _, e := range tr.Entries() {
		if e.Kind == EntryItem {
			items = append(items, e)
		}
	}
	require.Len(t, items, 2)
	assert.Equal(t, "1. Owls", items[0].Title)
	assert.Equal(t, "Owls hunt at night.", items[0].Text)
	assert.Equal(t, "2. Hawks", items[1].Title)
	assert.Equal(t, "Hawks soar.", items[1].Text)

	last := tr.Entries()[tr.Len()-1]
	assert.Equal(t, EntrySystem, last.Kind)
	assert.Equal(t, "Generation complete.", last.Text)

	out := tr.Render(60)
	assert.True(t, strings.Index(out, "Owls") < strings.Index(out, "Hawks"))
}

func TestTranscript_ProgressUpdatesInPlace(t *testing.T) {
	tr := NewTranscript()
	tr.AddEvent(ev(models.StreamStart, nil))
	tr.AddEvent(ev(models.StreamProgress, map[string]any{"done": 0, "total": 3}))
	tr.AddEvent(ev(models.StreamProgress, map[string]any{"done": 1, "total": 3}))

	require.Equal(t, 2, tr.Len())
	assert.Equal(t, "Progress 1/3", tr.Entries()[1].Text)
}

func TestTranscript_ErrorEvent(t *testing.T) {
	tr := NewTranscript()
	tr.AddEvent(ev(models.StreamError, map[string]any{"error": "no structure"}))

	require.Equal(t, 1, tr.Len())
	assert.Equal(t, EntryError, tr.Entries()[0].Kind)
	assert.Contains(t, tr.Entries()[0].Text, "no structure")
}

func TestTranscript_ContentForUnknownItemIsIgnored(t *testing.T) {
	tr := NewTranscript()
	tr.AddEvent(ev(models.StreamContent, map[string]any{"index": 4, "delta": "orphan"}))
	assert.Equal(t, 0, tr.Len())
}
