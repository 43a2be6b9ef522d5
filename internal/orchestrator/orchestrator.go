package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/convo"
	"github.com/ShayCichocki/quill/internal/eventbus"
	"github.com/ShayCichocki/quill/internal/logging"
	"github.com/ShayCichocki/quill/internal/router"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/pkg/models"
)

// ErrEmptyText is returned for a turn without an utterance.
var ErrEmptyText = errors.New("empty message")

// Request is one user utterance.
type Request struct {
	// SessionID selects the conversation. Empty starts a new one.
	SessionID string
	SubjectID string
	ActorID   string
	Text      string
}

// Response is the outcome of one turn.
type Response struct {
	Response    string                      `json:"response"`
	SessionID   string                      `json:"session_id"`
	SideEffects map[string]any              `json:"side_effects,omitempty"`
	Stream      *capability.StreamDirective `json:"stream,omitempty"`
	Status      router.Status               `json:"status"`
	Decision    models.Decision             `json:"decision"`
	// Session is the state after the turn was persisted.
	Session *models.SessionState `json:"-"`
}

// Orchestrator runs turns against a Deps.
type Orchestrator struct {
	deps   *Deps
	logger *slog.Logger

	// Turns for one session are serialized so concurrent requests cannot
	// interleave their read-modify-write of the session row.
	sessionMu sync.Mutex
	sessions  map[string]*sync.Mutex
}

// New creates an Orchestrator and registers its generation hook on the
// runner. Call it once per Deps.
func New(d *Deps) (*Orchestrator, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Assembler == nil {
		d.Assembler = convo.New(d.Store, nil, convo.WithLogger(d.Logger))
	}

	o := &Orchestrator{
		deps:     d,
		logger:   d.Logger.With("component", "orchestrator"),
		sessions: make(map[string]*sync.Mutex),
	}
	d.Runner.OnFinish(o.finishGeneration)
	return o, nil
}

// Deps returns the wiring the orchestrator was built with.
func (o *Orchestrator) Deps() *Deps {
	return o.deps
}

func (o *Orchestrator) lockSession(id string) func() {
	o.sessionMu.Lock()
	mu, ok := o.sessions[id]
	if !ok {
		mu = &sync.Mutex{}
		o.sessions[id] = mu
	}
	o.sessionMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Handle runs one turn. Capability failures are reported through
// Response.Status; the error return is reserved for storage failures and
// invalid requests.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Response{}, ErrEmptyText
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	unlock := o.lockSession(req.SessionID)
	defer unlock()

	store := o.deps.Store
	s, err := o.loadOrCreate(ctx, req)
	if err != nil {
		o.deps.Metrics.ObserveTurn("error")
		return Response{}, err
	}
	if _, err := store.AppendMessage(ctx, s.ID, models.RoleUser, text, actorMetadata(req.ActorID)); err != nil {
		o.deps.Metrics.ObserveTurn("error")
		return Response{}, fmt.Errorf("append user message: %w", err)
	}

	cctx, err := o.deps.Assembler.Build(ctx, s.ID)
	if err != nil {
		o.deps.Metrics.ObserveTurn("error")
		return Response{}, fmt.Errorf("build context: %w", err)
	}
	decision := o.deps.Classifier.Classify(ctx, text, cctx)

	before := s.Clone()
	moved := o.deps.Graph.Apply(s, decision)
	applied := positionOf(s)
	if moved {
		o.logger.Debug("workflow moved", "session", s.ID, "action", decision.Action,
			"workflow", s.CurrentWorkflow, "step", s.CurrentStep)
	}

	res := o.deps.Coordinator.ExecuteInput(ctx, router.Input{
		Decision:  decision,
		Session:   s,
		ActorID:   req.ActorID,
		Text:      text,
		History:   cctx.Recent,
		SubjectID: s.SubjectID,
	})
	o.deps.Metrics.ObserveExecution(res)

	// The decision's move only sticks once the step's capability finished.
	if moved && !settled(res) && positionOf(s).equal(applied) {
		positionOf(before).restore(s)
		o.logger.Debug("workflow move withdrawn", "session", s.ID, "status", res.Status,
			"incomplete", res.Incomplete, "step", s.CurrentStep)
	}

	if res.Stream != nil {
		s.Set(models.KeyGenerationRequested, true)
		s.Set(capability.KeyResourceID, res.Stream.ResourceID)
	}

	if patch := state.Diff(before, s); !patch.IsEmpty() {
		if err := store.SetState(ctx, s.ID, patch); err != nil {
			o.deps.Metrics.ObserveTurn("error")
			return Response{}, fmt.Errorf("persist session: %w", err)
		}
	}

	meta := decisionMetadata(decision, res)
	if _, err := store.AppendMessage(ctx, s.ID, models.RoleAssistant, res.Response, meta); err != nil {
		o.deps.Metrics.ObserveTurn("error")
		return Response{}, fmt.Errorf("append assistant message: %w", err)
	}

	o.deps.Assembler.MaybeSummarize(s.ID)
	o.publishTurn(ctx, req, s, decision, res)
	o.deps.Metrics.ObserveTurn(string(res.Status))

	o.logger.Info("turn handled", "session", s.ID, "status", res.Status,
		"capability", res.Capability, "category", decision.Category, "action", decision.Action,
		"source", decision.Source, "step", s.CurrentStep)

	return Response{
		Response:    res.Response,
		SessionID:   s.ID,
		SideEffects: res.SideEffects,
		Stream:      res.Stream,
		Status:      res.Status,
		Decision:    decision,
		Session:     s,
	}, nil
}

// settled reports whether the first stage finished its step.
func settled(res router.ExecutionResult) bool {
	switch {
	case res.Incomplete:
		return false
	case res.Status == router.StatusNotFound, res.Status == router.StatusFailed:
		return false
	}
	return true
}

// position is the workflow pointer of a session.
type position struct {
	workflow  string
	step      string
	completed []string
	status    models.SessionStatus
}

func positionOf(s *models.SessionState) position {
	return position{
		workflow:  s.CurrentWorkflow,
		step:      s.CurrentStep,
		completed: slices.Clone(s.CompletedSteps),
		status:    s.Status,
	}
}

func (p position) equal(q position) bool {
	return p.workflow == q.workflow && p.step == q.step &&
		p.status == q.status && slices.Equal(p.completed, q.completed)
}

func (p position) restore(s *models.SessionState) {
	s.CurrentWorkflow = p.workflow
	s.CurrentStep = p.step
	s.CompletedSteps = p.completed
	s.Status = p.status
}

// loadOrCreate returns the session, creating it on first contact.
func (o *Orchestrator) loadOrCreate(ctx context.Context, req Request) (*models.SessionState, error) {
	s, err := o.deps.Store.GetState(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s != nil {
		return s, nil
	}

	s = models.NewSessionState(req.SessionID, req.SubjectID)
	if err := o.deps.Store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info("session created", "session", s.ID, "subject", s.SubjectID)
	return s, nil
}

func (o *Orchestrator) publishTurn(ctx context.Context, req Request, s *models.SessionState, d models.Decision, res router.ExecutionResult) {
	if o.deps.Bus == nil {
		return
	}
	err := o.deps.Bus.PublishTurn(ctx, eventbus.TurnEvent{
		SessionID:  s.ID,
		ActorID:    req.ActorID,
		Status:     string(res.Status),
		Capability: res.Capability,
		Workflow:   s.CurrentWorkflow,
		Step:       s.CurrentStep,
		Decision:   d,
		Streaming:  res.Stream != nil,
		At:         time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("publish turn event", "session", s.ID, "error", err)
	}
}

func actorMetadata(actorID string) map[string]any {
	if actorID == "" {
		return nil
	}
	return map[string]any{"actor_id": actorID}
}

// decisionMetadata is stored with the assistant message so a transcript
// shows why each reply was produced.
func decisionMetadata(d models.Decision, res router.ExecutionResult) map[string]any {
	meta := map[string]any{
		"category":   string(d.Category),
		"action":     string(d.Action),
		"confidence": string(d.Confidence),
		"source":     string(d.Source),
		"status":     string(res.Status),
	}
	if d.Rule != "" {
		meta["rule"] = d.Rule
	}
	if res.Capability != "" {
		meta["capability"] = res.Capability
	}
	if res.Stream != nil {
		meta["stream_resource"] = res.Stream.ResourceID
	}
	if res.Diagnostic != nil {
		meta["diagnostic"] = res.Diagnostic.Error()
	}
	if res.CascadeError != nil {
		meta["cascade_error"] = res.CascadeError.Error()
	}
	return meta
}
