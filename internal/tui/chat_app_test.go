package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/router"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/pkg/models"
)

type fakeBackend struct {
	resp    orchestrator.Response
	err     error
	runner  *streaming.Runner
	items   []string
	streams int
	reqs    []orchestrator.Request
}

func (f *fakeBackend) Handle(_ context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeBackend) OpenStream(ctx context.Context, sessionID, resourceID string, params map[string]any) (streaming.StartResult, error) {
	f.streams++
	return f.runner.Start(ctx, itemStreamer{items: f.items}, resourceID, map[string]any{"session_id": sessionID})
}

type itemStreamer struct {
	items []string
}

func (itemStreamer) Name() string { return capability.Writer }

func (itemStreamer) Execute(context.Context, capability.Request) (capability.Result, error) {
	return capability.Result{}, nil
}

func (s itemStreamer) Stream(_ context.Context, _ capability.StreamRequest, emit capability.Emit) error {
	for i, title := range s.items {
		n := i + 1
		emit(models.StreamEvent{Type: models.StreamItemCreated, Payload: map[string]any{"index": n, "title": title}})
		emit(models.StreamEvent{Type: models.StreamContent, Payload: map[string]any{"index": n, "delta": title + " text"}})
	}
	return nil
}

// pump feeds cmd results back into the app until no command is left.
func pump(t *testing.T, app *ChatApp, cmd tea.Cmd) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for cmd != nil {
		select {
		case <-deadline:
			t.Fatal("chat did not settle")
		default:
		}
		msg := cmd()
		_, cmd = app.Update(msg)
	}
}

func TestChatApp_Init(t *testing.T) {
	app := NewChatApp(context.Background(), &fakeBackend{}, ChatOptions{})
	assert.NotNil(t, app.Init())
}

func TestChatApp_CtrlC(t *testing.T) {
	app := NewChatApp(context.Background(), &fakeBackend{}, ChatOptions{})

	model, cmd := app.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, model.(*ChatApp).quitting)
	assert.Equal(t, "Goodbye!\n", app.View())
}

func TestChatApp_TurnRoundTrip(t *testing.T) {
	backend := &fakeBackend{resp: orchestrator.Response{
		Response:  "Research ready.",
		SessionID: "sess-1",
		Status:    router.StatusOK,
		Session:   &models.SessionState{ID: "sess-1", CurrentWorkflow: "publication", CurrentStep: "design"},
	}}
	app := NewChatApp(context.Background(), backend, ChatOptions{ActorID: "ana", SubjectID: "book-1"})

	_, cmd := app.Update(SubmittedMsg{Text: "a book about owls"})
	require.NotNil(t, cmd)
	assert.True(t, app.Busy())

	pump(t, app, cmd)

	assert.False(t, app.Busy())
	assert.Equal(t, "sess-1", app.SessionID())
	require.Len(t, backend.reqs, 1)
	assert.Equal(t, orchestrator.Request{SubjectID: "book-1", ActorID: "ana", Text: "a book about owls"}, backend.reqs[0])

	entries := app.Transcript().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryUser, entries[0].Kind)
	assert.Equal(t, EntryAssistant, entries[1].Kind)
	assert.Equal(t, "Research ready.", entries[1].Text)
	assert.Equal(t, "design", app.header.step)

	// The next turn continues the same session.
	_, cmd = app.Update(SubmittedMsg{Text: "next"})
	pump(t, app, cmd)
	assert.Equal(t, "sess-1", backend.reqs[1].SessionID)
}

func TestChatApp_TurnError(t *testing.T) {
	app := NewChatApp(context.Background(), &fakeBackend{err: errors.New("database is locked")}, ChatOptions{})

	_, cmd := app.Update(SubmittedMsg{Text: "hello"})
	pump(t, app, cmd)

	entries := app.Transcript().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryError, entries[1].Kind)
	assert.False(t, app.Busy())
}

func TestChatApp_RejectsSubmitWhileThinking(t *testing.T) {
	backend := &fakeBackend{resp: orchestrator.Response{SessionID: "sess-1", Response: "ok"}}
	app := NewChatApp(context.Background(), backend, ChatOptions{})

	_, first := app.Update(SubmittedMsg{Text: "one"})
	_, second := app.Update(SubmittedMsg{Text: "two"})
	assert.Nil(t, second)
	assert.Equal(t, 1, app.Transcript().Len())

	pump(t, app, first)
	assert.Len(t, backend.reqs, 1)
}

func TestChatApp_StreamsGeneration(t *testing.T) {
	backend := &fakeBackend{
		runner: streaming.NewRunner(streaming.WithConfig(streaming.Config{PollInterval: 5 * time.Millisecond})),
		items:  []string{"Owls", "Hawks"},
		resp: orchestrator.Response{
			Response:  "Structure approved.",
			SessionID: "sess-1",
			Status:    router.StatusInProgress,
			Stream:    &capability.StreamDirective{Type: capability.StreamTypeGeneration, ResourceID: "sess-1"},
		},
	}
	t.Cleanup(backend.runner.Wait)
	app := NewChatApp(context.Background(), backend, ChatOptions{})

	_, cmd := app.Update(SubmittedMsg{Text: "approved"})
	pump(t, app, cmd)

	assert.Equal(t, 1, backend.streams)
	assert.False(t, app.Busy(), "the run is released after its terminal event")

	var titles []string
	for _, e := range app.Transcript().Entries() {
		if e.Kind == EntryItem {
			titles = append(titles, e.Title)
			assert.NotEmpty(t, e.Text)
		}
	}
	assert.Equal(t, []string{"1. Owls", "2. Hawks"}, titles)

	entries := app.Transcript().Entries()
	assert.Equal(t, "Generation complete.", entries[len(entries)-1].Text)
	assert.Equal(t, 0, backend.runner.Locks().Len())
}

func TestChatApp_StreamConflict(t *testing.T) {
	app := NewChatApp(context.Background(), &fakeBackend{}, ChatOptions{})

	_, cmd := app.Update(StreamStartedMsg{
		Result: streaming.StartResult{Status: streaming.StartStatusConflict, Holder: models.GenerationLock{RunID: "run-123456789"}},
		Err:    streaming.ErrGenerationConflict,
	})
	assert.Nil(t, cmd)

	entries := app.Transcript().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntrySystem, entries[0].Kind)
	assert.Contains(t, entries[0].Text, "run-1234")
}

func TestChatApp_WindowSize(t *testing.T) {
	app := NewChatApp(context.Background(), &fakeBackend{}, ChatOptions{})
	app.Update(tea.WindowSizeMsg{Width: 100, Height: 40})

	assert.Equal(t, 100, app.viewport.Width)
	assert.Equal(t, 40-app.header.Height()-3-1, app.viewport.Height)
	assert.NotEmpty(t, app.View())
}
