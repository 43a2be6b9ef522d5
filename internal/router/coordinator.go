// Package router executes routing decisions: it resolves the capability a
// decision points at, invokes it with panic isolation, moves the session
// along the transition table and follows bounded cascades.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// DefaultMaxCascadeDepth is the number of follow-up invocations allowed per turn.
const DefaultMaxCascadeDepth = 1

// ErrCapabilityNotFound is returned when a decision resolves to no registered capability.
var ErrCapabilityNotFound = errors.New("capability not found")

// CapabilityExecutionError wraps an error or panic raised inside a capability.
type CapabilityExecutionError struct {
	Capability string
	Depth      int
	// Panic holds the recovered value when the capability panicked.
	Panic any
	Err   error
}

func (e *CapabilityExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("capability %s panicked: %v", e.Capability, e.Panic)
	}
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *CapabilityExecutionError) Unwrap() error {
	return e.Err
}

// Status is the overall outcome of a turn's execution.
type Status string

const (
	StatusOK         Status = "ok"
	StatusNotFound   Status = "not_found"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
	StatusInProgress Status = "in_progress"
)

// Messages shown to the user when execution does not go to plan.
const (
	MsgNotFound       = "Sorry, I don't know how to help with that yet."
	MsgFailed         = "Sorry, something went wrong while working on that. Please try again."
	MsgCascadeFailure = "I couldn't finish the follow-up step. You can ask me to try it again."
)

// StageResult records one invocation in a cascade.
type StageResult struct {
	Capability  string
	Depth       int
	Status      Status
	Response    string
	SideEffects map[string]any
	Err         error
	Duration    time.Duration
}

// ExecutionResult is the merged outcome of all stages of a turn.
type ExecutionResult struct {
	Status Status
	// Response comes from the last stage that succeeded.
	Response string
	// Capability is the first stage's capability.
	Capability string
	Stages     []StageResult
	// SideEffects are keyed by stage capability name.
	SideEffects map[string]any
	Stream      *capability.StreamDirective
	// CascadeError is set when a follow-up stage failed after the first succeeded.
	CascadeError error
	// CascadeSkipped names a follow-up that was not run because of the depth bound.
	CascadeSkipped string
	// Diagnostic carries the internal error behind a not_found or failed status.
	Diagnostic error
	// Incomplete is set when the first stage ran but left its step unfinished.
	Incomplete bool
}

// Input is everything Execute needs for one turn.
type Input struct {
	Decision  models.Decision
	Session   *models.SessionState
	ActorID   string
	Text      string
	History   []models.Message
	SubjectID string
}

// Coordinator executes decisions against a capability registry.
type Coordinator struct {
	registry    *capability.Registry
	graph       *workflow.Graph
	transitions TransitionTable
	maxDepth    int
	logger      *slog.Logger
	observe     func(StageResult)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxCascadeDepth bounds follow-up invocations. Negative values mean 0.
func WithMaxCascadeDepth(n int) Option {
	return func(c *Coordinator) {
		if n < 0 {
			n = 0
		}
		c.maxDepth = n
	}
}

// WithTransitions replaces the default transition table.
func WithTransitions(t TransitionTable) Option {
	return func(c *Coordinator) {
		c.transitions = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStageObserver is called after every stage.
func WithStageObserver(fn func(StageResult)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// New creates a Coordinator.
func New(registry *capability.Registry, graph *workflow.Graph, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:    registry,
		graph:       graph,
		transitions: DefaultTransitions(),
		maxDepth:    DefaultMaxCascadeDepth,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxCascadeDepth returns the configured bound.
func (c *Coordinator) MaxCascadeDepth() int {
	return c.maxDepth
}

// Execute runs the capability selected by d against session s. Capability
// failures are reported in the result, never returned.
func (c *Coordinator) Execute(ctx context.Context, d models.Decision, s *models.SessionState, actorID, text string) ExecutionResult {
	return c.ExecuteInput(ctx, Input{Decision: d, Session: s, ActorID: actorID, Text: text})
}

// ExecuteInput is Execute with conversation history and subject.
// The session is updated in place: side effects are merged into its step
// data and transitions are applied.
func (c *Coordinator) ExecuteInput(ctx context.Context, in Input) ExecutionResult {
	s := in.Session
	if s == nil {
		s = models.NewSessionState("", in.SubjectID)
	}

	name := c.Resolve(in.Decision, s)
	res := ExecutionResult{Capability: name, SideEffects: map[string]any{}}
	if _, ok := c.registry.Get(name); !ok {
		res.Status = StatusNotFound
		res.Response = MsgNotFound
		res.Diagnostic = fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
		c.logger.Warn("no capability for decision",
			"capability", name, "action", in.Decision.Action, "step", in.Decision.TargetStep)
		return res
	}

	var params map[string]any
	lastOK := ""
	for depth := 0; ; depth++ {
		target, ok := c.registry.Get(name)
		if !ok {
			res.Status = StatusPartial
			res.CascadeError = fmt.Errorf("%w: %q", ErrCapabilityNotFound, name)
			res.Response = joinResponse(lastOK, MsgCascadeFailure)
			c.logger.Warn("cascade target missing", "capability", name, "depth", depth)
			break
		}

		req := capability.Request{
			SessionID: s.ID,
			SubjectID: firstNonEmpty(in.SubjectID, s.SubjectID),
			ActorID:   in.ActorID,
			Text:      in.Text,
			Session:   s.Clone(),
			History:   in.History,
			Decision:  in.Decision,
			Params:    params,
		}

		start := time.Now()
		out, err := c.invoke(ctx, target, req, depth)
		stage := StageResult{Capability: name, Depth: depth, Duration: time.Since(start)}

		if err != nil {
			stage.Status = StatusFailed
			stage.Err = err
			c.record(&res, stage)
			c.transitions.apply(c.graph, s, name, ShapeFailure)
			c.logger.Error("capability failed", "capability", name, "depth", depth, "error", err)

			if depth == 0 {
				res.Status = StatusFailed
				res.Response = MsgFailed
				res.Diagnostic = err
				return res
			}
			res.Status = StatusPartial
			res.CascadeError = err
			res.Response = joinResponse(lastOK, MsgCascadeFailure)
			break
		}

		stage.Status = StatusOK
		stage.Response = out.Response
		stage.SideEffects = out.SideEffects
		mergeStepData(s, out.SideEffects)
		if len(out.SideEffects) > 0 {
			key := name
			if _, dup := res.SideEffects[key]; dup {
				key = fmt.Sprintf("%s#%d", name, depth)
			}
			res.SideEffects[key] = out.SideEffects
		}
		res.Response = out.Response
		lastOK = out.Response

		if out.Stream != nil {
			stage.Status = StatusInProgress
			c.record(&res, stage)
			c.transitions.apply(c.graph, s, name, ShapeStreaming)
			res.Stream = out.Stream
			res.Status = StatusInProgress
			break
		}

		c.record(&res, stage)
		if out.Incomplete {
			res.Incomplete = depth == 0
			break
		}
		c.transitions.apply(c.graph, s, name, ShapeSuccess)

		if out.Cascade == nil || out.Cascade.Next == "" {
			break
		}
		if depth+1 > c.maxDepth {
			res.CascadeSkipped = out.Cascade.Next
			c.logger.Info("cascade depth reached, skipping follow-up",
				"capability", name, "next", out.Cascade.Next, "max_depth", c.maxDepth)
			break
		}
		c.logger.Debug("cascading", "from", name, "to", out.Cascade.Next, "depth", depth+1)
		name = out.Cascade.Next
		params = out.Cascade.Params
	}

	if res.Status == "" {
		res.Status = StatusOK
	}
	return res
}

// Resolve picks the capability for d: the explicit target, then the
// capability bound to the target step, then the first step of a started
// workflow, then the current step. General conversation goes to the responder.
func (c *Coordinator) Resolve(d models.Decision, s *models.SessionState) string {
	if d.TargetCapability != "" {
		return d.TargetCapability
	}
	if d.Category == models.CategoryGeneral || d.Action == models.ActionNone {
		return capability.Responder
	}

	wf := firstNonEmpty(d.TargetWorkflow, s.CurrentWorkflow)
	if d.TargetStep != "" {
		if name := c.graph.CapabilityFor(wf, d.TargetStep); name != "" {
			return name
		}
	}
	if d.Action == models.ActionStartWorkflow && d.TargetWorkflow != "" {
		if first, ok := c.graph.FirstStep(d.TargetWorkflow); ok {
			if name := c.graph.CapabilityFor(d.TargetWorkflow, first); name != "" {
				return name
			}
		}
	}
	if s.CurrentStep != "" {
		return c.graph.CapabilityFor(s.CurrentWorkflow, s.CurrentStep)
	}
	return ""
}

// invoke runs one capability, converting errors and panics into
// *CapabilityExecutionError.
func (c *Coordinator) invoke(ctx context.Context, target capability.Capability, req capability.Request, depth int) (out capability.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("capability panic", "capability", target.Name(), "panic", r, "stack", string(debug.Stack()))
			out = capability.Result{}
			err = &CapabilityExecutionError{
				Capability: target.Name(),
				Depth:      depth,
				Panic:      r,
				Err:        fmt.Errorf("panic: %v", r),
			}
		}
	}()

	out, err = target.Execute(ctx, req)
	if err != nil {
		return capability.Result{}, &CapabilityExecutionError{Capability: target.Name(), Depth: depth, Err: err}
	}
	return out, nil
}

func (c *Coordinator) record(res *ExecutionResult, stage StageResult) {
	res.Stages = append(res.Stages, stage)
	if c.observe != nil {
		c.observe(stage)
	}
}

// mergeStepData applies side effects to the session. Nil values delete keys.
func mergeStepData(s *models.SessionState, effects map[string]any) {
	for k, v := range effects {
		if v == nil {
			delete(s.StepData, k)
			continue
		}
		s.Set(k, v)
	}
}

func joinResponse(first, second string) string {
	if first == "" {
		return second
	}
	return first + "\n\n" + second
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
