package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Backend is the part of the orchestrator the chat drives.
type Backend interface {
	Handle(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error)
	OpenStream(ctx context.Context, sessionID, resourceID string, params map[string]any) (streaming.StartResult, error)
}

// TurnResultMsg carries the outcome of one turn.
type TurnResultMsg struct {
	Response orchestrator.Response
	Err      error
}

// StreamStartedMsg is sent once a requested generation run has been started
// or refused.
type StreamStartedMsg struct {
	Result streaming.StartResult
	Err    error
}

// StreamEventMsg carries one event of the active run.
type StreamEventMsg struct {
	Event models.StreamEvent
}

// streamClosedMsg ends consumption without a terminal event.
type streamClosedMsg struct {
	err error
}

// ChatOptions configure a ChatApp.
type ChatOptions struct {
	SessionID string
	SubjectID string
	ActorID   string
}

// ChatApp is the interactive chat model. Turns run one at a time; while a
// generation streams, new messages are still accepted.
type ChatApp struct {
	ctx     context.Context
	backend Backend
	opts    ChatOptions

	header     *Header
	footer     *Footer
	input      *InputField
	transcript *Transcript
	viewport   viewport.Model
	spinner    spinner.Model

	thinking bool
	run      *streaming.Run
	width    int
	height   int
	quitting bool
}

// NewChatApp creates a ChatApp bound to backend.
func NewChatApp(ctx context.Context, backend Backend, opts ChatOptions) *ChatApp {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	a := &ChatApp{
		ctx:        ctx,
		backend:    backend,
		opts:       opts,
		header:     NewHeader(),
		footer:     NewFooter(),
		input:      NewInputField(),
		transcript: NewTranscript(),
		viewport:   viewport.New(80, 20),
		spinner:    sp,
	}
	a.header.sessionID = opts.SessionID
	return a
}

// SessionID returns the active session, empty until the first turn.
func (a *ChatApp) SessionID() string {
	return a.opts.SessionID
}

// Transcript returns the conversation so far.
func (a *ChatApp) Transcript() *Transcript {
	return a.transcript
}

// Busy reports whether a turn or a stream is in flight.
func (a *ChatApp) Busy() bool {
	return a.thinking || a.run != nil
}

// Init implements tea.Model.
func (a *ChatApp) Init() tea.Cmd {
	return tea.Batch(a.input.Focus(), a.spinner.Tick)
}

// Update implements tea.Model.
func (a *ChatApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.quitting = true
			if a.run != nil {
				a.run.Cancel()
			}
			return a, tea.Quit
		case "esc":
			if a.run != nil {
				a.run.Cancel()
				a.footer.SetMessage("stopping generation", false)
			}
			return a, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			return a, cmd
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.updateSizes()
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		a.syncFooter()
		return a, cmd

	case SubmittedMsg:
		if a.thinking {
			a.footer.SetMessage("still working on the last message", true)
			return a, nil
		}
		a.transcript.AddUser(msg.Text)
		a.thinking = true
		a.footer.SetMessage("", false)
		a.refresh()
		return a, a.handle(msg.Text)

	case TurnResultMsg:
		a.thinking = false
		if msg.Err != nil {
			a.transcript.AddError(msg.Err.Error())
			a.refresh()
			return a, nil
		}
		resp := msg.Response
		a.opts.SessionID = resp.SessionID
		a.header.sessionID = resp.SessionID
		a.header.SetSession(resp.Session)
		if resp.Response != "" {
			a.transcript.AddAssistant(resp.Response)
		}
		a.refresh()
		if resp.Stream != nil && a.run == nil {
			return a, a.openStream(resp.Stream.ResourceID, resp.Stream.Params)
		}
		return a, nil

	case StreamStartedMsg:
		if msg.Err != nil {
			if errors.Is(msg.Err, streaming.ErrGenerationConflict) {
				a.transcript.AddSystem(fmt.Sprintf("Generation is already running (run %s).", shortID(msg.Result.Holder.RunID)))
			} else {
				a.transcript.AddError(msg.Err.Error())
			}
			a.refresh()
			return a, nil
		}
		a.run = msg.Result.Run
		return a, a.next(a.run)

	case StreamEventMsg:
		a.transcript.AddEvent(msg.Event)
		if msg.Event.IsTerminal() {
			a.run = nil
			if msg.Event.Type == models.StreamComplete {
				a.footer.SetMessage("generation finished", false)
			}
		}
		a.refresh()
		if a.run != nil {
			return a, a.next(a.run)
		}
		return a, nil

	case streamClosedMsg:
		a.run = nil
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			a.transcript.AddError(msg.err.Error())
		}
		a.refresh()
		return a, nil
	}

	return a, nil
}

func (a *ChatApp) handle(text string) tea.Cmd {
	req := orchestrator.Request{
		SessionID: a.opts.SessionID,
		SubjectID: a.opts.SubjectID,
		ActorID:   a.opts.ActorID,
		Text:      text,
	}
	return func() tea.Msg {
		resp, err := a.backend.Handle(a.ctx, req)
		return TurnResultMsg{Response: resp, Err: err}
	}
}

func (a *ChatApp) openStream(resourceID string, params map[string]any) tea.Cmd {
	sessionID := a.opts.SessionID
	return func() tea.Msg {
		res, err := a.backend.OpenStream(a.ctx, sessionID, resourceID, params)
		return StreamStartedMsg{Result: res, Err: err}
	}
}

// next waits for one event of run.
func (a *ChatApp) next(run *streaming.Run) tea.Cmd {
	return func() tea.Msg {
		ev, err := run.Next(a.ctx)
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return StreamEventMsg{Event: ev}
	}
}

// updateSizes updates the sizes of child components based on terminal size.
func (a *ChatApp) updateSizes() {
	a.header.SetWidth(a.width)
	a.footer.SetWidth(a.width)
	a.input.SetWidth(a.width)

	inputHeight := 3
	footerHeight := 1
	h := a.height - a.header.Height() - inputHeight - footerHeight
	if h < 1 {
		h = 1
	}
	a.viewport.Width = a.width
	a.viewport.Height = h
	a.refresh()
}

func (a *ChatApp) refresh() {
	a.syncFooter()
	a.viewport.SetContent(a.transcript.Render(a.viewport.Width))
	a.viewport.GotoBottom()
}

func (a *ChatApp) syncFooter() {
	a.footer.SetBusy(a.Busy(), a.run != nil, a.spinner.View())
}

// View implements tea.Model.
func (a *ChatApp) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		a.header.View(),
		a.viewport.View(),
		a.input.View(),
		a.footer.View(),
	)
}

// NewChatProgram creates a new Bubbletea program for the chat.
func NewChatProgram(ctx context.Context, backend Backend, opts ChatOptions) (*tea.Program, *ChatApp) {
	app := NewChatApp(ctx, backend, opts)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	return p, app
}
