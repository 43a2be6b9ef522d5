package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// recorder builds fake capabilities and remembers the order they ran in.
type recorder struct {
	calls []string
}

func (r *recorder) cap(name string, fn func(req capability.Request) (capability.Result, error)) capability.Capability {
	return capability.Func{ID: name, Fn: func(_ context.Context, req capability.Request) (capability.Result, error) {
		r.calls = append(r.calls, name)
		return fn(req)
	}}
}

func respond(response string) func(capability.Request) (capability.Result, error) {
	return func(capability.Request) (capability.Result, error) {
		return capability.Result{Response: response}, nil
	}
}

func cascadeTo(response, next string, effects map[string]any) func(capability.Request) (capability.Result, error) {
	return func(capability.Request) (capability.Result, error) {
		return capability.Result{
			Response:    response,
			SideEffects: effects,
			Cascade:     &capability.Cascade{Next: next, Params: map[string]any{"from": response}},
		}, nil
	}
}

func publicationSession(g *workflow.Graph) *models.SessionState {
	s := models.NewSessionState("sess-1", "subj-1")
	g.StartNewWorkflow(s, workflow.Publication)
	return s
}

func jump(step string) models.Decision {
	return models.Decision{
		Category:   models.CategoryWorkflow,
		Action:     models.ActionJumpToStep,
		TargetStep: step,
		Confidence: models.ConfidenceHigh,
	}
}

func TestResolve(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(), g)

	s := publicationSession(g)
	g.JumpToStep(s, workflow.StepStructure)

	tests := []struct {
		name string
		d    models.Decision
		want string
	}{
		{"explicit capability", models.Decision{Category: models.CategoryAgent, Action: models.ActionNone, TargetCapability: "reviewer"}, "reviewer"},
		{"target step", jump(workflow.StepDesign), capability.Designer},
		{"target step in other workflow", jump(workflow.StepContentRevision), capability.Reviser},
		{"start workflow", models.Decision{Category: models.CategoryWorkflow, Action: models.ActionStartWorkflow, TargetWorkflow: workflow.Revision}, capability.Reviser},
		{"continue uses current step", models.Decision{Category: models.CategoryWorkflow, Action: models.ActionContinueCurrent}, capability.Structurer},
		{"general", models.Decision{Category: models.CategoryGeneral, Action: models.ActionNone}, capability.Responder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Resolve(tt.d, s))
		})
	}

	t.Run("nothing to resolve", func(t *testing.T) {
		empty := models.NewSessionState("x", "")
		assert.Empty(t, c.Resolve(models.Decision{Category: models.CategoryWorkflow, Action: models.ActionContinueCurrent}, empty))
	})
}

func TestExecute_NotFound(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepDesign), s, "actor", "design it")

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, MsgNotFound, res.Response)
	assert.ErrorIs(t, res.Diagnostic, ErrCapabilityNotFound)
	assert.Equal(t, workflow.StepResearch, s.CurrentStep, "not_found must not move the session")
}

func TestExecute_SuccessAppliesTransition(t *testing.T) {
	g := workflow.DefaultGraph()
	r := &recorder{}
	c := New(capability.NewRegistry(
		r.cap(capability.Designer, func(capability.Request) (capability.Result, error) {
			return capability.Result{Response: "design done", SideEffects: map[string]any{models.KeyHasDesign: true}}, nil
		}),
	), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepDesign), s, "actor", "design it")

	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "design done", res.Response)
	assert.Equal(t, capability.Designer, res.Capability)
	assert.Equal(t, workflow.StepStructure, s.CurrentStep)
	assert.True(t, s.Bool(models.KeyHasDesign))
	assert.Equal(t, map[string]any{models.KeyHasDesign: true}, res.SideEffects[capability.Designer])
}

func TestExecute_NilSideEffectDeletesKey(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(capability.Func{ID: "cleaner", Fn: func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{SideEffects: map[string]any{"stale": nil}}, nil
	}}), g)
	s := publicationSession(g)
	s.Set("stale", true)

	c.Execute(context.Background(), models.Decision{Category: models.CategoryAgent, Action: models.ActionNone, TargetCapability: "cleaner"}, s, "", "")

	_, present := s.StepData["stale"]
	assert.False(t, present)
}

func TestExecute_RequestCarriesSnapshot(t *testing.T) {
	g := workflow.DefaultGraph()
	var got capability.Request
	c := New(capability.NewRegistry(capability.Func{ID: capability.Researcher, Fn: func(_ context.Context, req capability.Request) (capability.Result, error) {
		got = req
		req.Session.Set("mutated", true)
		return capability.Result{}, nil
	}}), g)
	s := publicationSession(g)
	history := []models.Message{{Role: models.RoleUser, Content: "hi"}}

	c.ExecuteInput(context.Background(), Input{Decision: jump(workflow.StepResearch), Session: s, ActorID: "a1", Text: "research", History: history})

	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "subj-1", got.SubjectID)
	assert.Equal(t, "a1", got.ActorID)
	assert.Equal(t, history, got.History)
	assert.False(t, s.Bool("mutated"), "capabilities get a copy of the session")
}

func TestExecute_ErrorBecomesFailed(t *testing.T) {
	g := workflow.DefaultGraph()
	boom := errors.New("boom")
	c := New(capability.NewRegistry(capability.Func{ID: capability.Designer, Fn: func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{}, boom
	}}), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepDesign), s, "", "")

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, MsgFailed, res.Response)
	assert.ErrorIs(t, res.Diagnostic, boom)

	var execErr *CapabilityExecutionError
	require.ErrorAs(t, res.Diagnostic, &execErr)
	assert.Equal(t, capability.Designer, execErr.Capability)
	assert.Nil(t, execErr.Panic)
	assert.Equal(t, workflow.StepResearch, s.CurrentStep)
}

func TestExecute_PanicIsContained(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(capability.Func{ID: capability.Designer, Fn: func(context.Context, capability.Request) (capability.Result, error) {
		panic("kaboom")
	}}), g)
	s := publicationSession(g)

	var res ExecutionResult
	require.NotPanics(t, func() {
		res = c.Execute(context.Background(), jump(workflow.StepDesign), s, "", "")
	})

	assert.Equal(t, StatusFailed, res.Status)
	var execErr *CapabilityExecutionError
	require.ErrorAs(t, res.Diagnostic, &execErr)
	assert.Equal(t, "kaboom", execErr.Panic)
	assert.Contains(t, execErr.Error(), "panicked")
}

// Research succeeds, the chained design stage fails: the turn keeps the
// research output and reports the cascade failure.
func TestExecute_CascadePartialSuccess(t *testing.T) {
	g := workflow.DefaultGraph()
	r := &recorder{}
	c := New(capability.NewRegistry(
		r.cap(capability.Researcher, cascadeTo("research notes", capability.Designer, map[string]any{models.KeyHasResearch: true})),
		r.cap(capability.Designer, func(capability.Request) (capability.Result, error) {
			return capability.Result{}, errors.New("design model unavailable")
		}),
	), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepResearch), s, "", "research dragons")

	assert.Equal(t, []string{capability.Researcher, capability.Designer}, r.calls)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Contains(t, res.Response, "research notes")
	assert.Contains(t, res.Response, MsgCascadeFailure)
	require.Error(t, res.CascadeError)
	assert.Contains(t, res.CascadeError.Error(), "design model unavailable")
	assert.NoError(t, res.Diagnostic)

	require.Len(t, res.Stages, 2)
	assert.Equal(t, StatusOK, res.Stages[0].Status)
	assert.Equal(t, StatusFailed, res.Stages[1].Status)
	assert.Equal(t, 1, res.Stages[1].Depth)

	assert.Contains(t, res.SideEffects, capability.Researcher)
	assert.True(t, s.Bool(models.KeyHasResearch))
	assert.Equal(t, workflow.StepDesign, s.CurrentStep)
}

func TestExecute_CascadeParamsForwarded(t *testing.T) {
	g := workflow.DefaultGraph()
	var params map[string]any
	c := New(capability.NewRegistry(
		capability.Func{ID: capability.Researcher, Fn: func(context.Context, capability.Request) (capability.Result, error) {
			return capability.Result{Response: "r", Cascade: &capability.Cascade{Next: capability.Designer, Params: map[string]any{"uri": "artifact://research/sess-1"}}}, nil
		}},
		capability.Func{ID: capability.Designer, Fn: func(_ context.Context, req capability.Request) (capability.Result, error) {
			params = req.Params
			return capability.Result{Response: "d"}, nil
		}},
	), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepResearch), s, "", "")

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "d", res.Response, "final response comes from the last stage")
	assert.Equal(t, "artifact://research/sess-1", params["uri"])
	assert.Equal(t, workflow.StepStructure, s.CurrentStep)
}

func TestExecute_CascadeBounded(t *testing.T) {
	newCoordinator := func(r *recorder, opts ...Option) *Coordinator {
		return New(capability.NewRegistry(
			r.cap(capability.Researcher, cascadeTo("r", capability.Designer, nil)),
			r.cap(capability.Designer, cascadeTo("d", capability.Structurer, nil)),
			r.cap(capability.Structurer, cascadeTo("s", capability.Approver, nil)),
			r.cap(capability.Approver, respond("a")),
		), workflow.DefaultGraph(), opts...)
	}

	tests := []struct {
		name        string
		opts        []Option
		wantCalls   []string
		wantSkipped string
	}{
		{"default depth 1", nil, []string{capability.Researcher, capability.Designer}, capability.Structurer},
		{"depth 0", []Option{WithMaxCascadeDepth(0)}, []string{capability.Researcher}, capability.Designer},
		{"negative coerced to 0", []Option{WithMaxCascadeDepth(-3)}, []string{capability.Researcher}, capability.Designer},
		{"depth 2", []Option{WithMaxCascadeDepth(2)}, []string{capability.Researcher, capability.Designer, capability.Structurer}, capability.Approver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			c := newCoordinator(r, tt.opts...)
			s := publicationSession(c.graph)

			res := c.Execute(context.Background(), jump(workflow.StepResearch), s, "", "")

			assert.Equal(t, StatusOK, res.Status)
			assert.Equal(t, tt.wantCalls, r.calls)
			assert.Equal(t, tt.wantSkipped, res.CascadeSkipped)
			assert.LessOrEqual(t, len(res.Stages), c.MaxCascadeDepth()+1)
		})
	}
}

func TestExecute_CascadeToMissingCapability(t *testing.T) {
	g := workflow.DefaultGraph()
	r := &recorder{}
	c := New(capability.NewRegistry(r.cap(capability.Researcher, cascadeTo("notes", "ghost", nil))), g)
	s := publicationSession(g)

	res := c.Execute(context.Background(), jump(workflow.StepResearch), s, "", "")

	assert.Equal(t, StatusPartial, res.Status)
	assert.ErrorIs(t, res.CascadeError, ErrCapabilityNotFound)
	assert.Contains(t, res.Response, "notes")
}

func TestExecute_StreamStopsCascade(t *testing.T) {
	g := workflow.DefaultGraph()
	r := &recorder{}
	directive := &capability.StreamDirective{Type: "generation", ResourceID: "subj-1"}
	c := New(capability.NewRegistry(
		r.cap(capability.Approver, cascadeTo("approved", capability.Writer, map[string]any{models.KeyStructureApproved: true})),
		r.cap(capability.Writer, func(capability.Request) (capability.Result, error) {
			return capability.Result{
				Response: "starting",
				Stream:   directive,
				Cascade:  &capability.Cascade{Next: capability.Reviewer},
			}, nil
		}),
		r.cap(capability.Reviewer, respond("never")),
	), g)
	s := publicationSession(g)
	g.JumpToStep(s, workflow.StepStructureApproval)

	d := jump(workflow.StepContentCreation)
	d.TargetCapability = capability.Approver
	res := c.Execute(context.Background(), d, s, "", "looks good")

	assert.Equal(t, []string{capability.Approver, capability.Writer}, r.calls)
	assert.Equal(t, StatusInProgress, res.Status)
	assert.Same(t, directive, res.Stream)
	assert.Empty(t, res.CascadeSkipped)
	assert.Equal(t, workflow.StepContentCreation, s.CurrentStep)
	assert.Equal(t, StatusInProgress, res.Stages[1].Status)
}

func TestExecute_IncompleteSkipsTransition(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(capability.Func{ID: capability.Approver, Fn: func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{
			Response:   "there is no structure to approve yet",
			Incomplete: true,
			Cascade:    &capability.Cascade{Next: capability.Writer},
		}, nil
	}}), g)
	s := publicationSession(g)
	g.JumpToStep(s, workflow.StepStructureApproval)

	d := jump(workflow.StepContentCreation)
	d.TargetCapability = capability.Approver
	res := c.Execute(context.Background(), d, s, "", "yes")

	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Incomplete)
	assert.Equal(t, workflow.StepStructureApproval, s.CurrentStep)
	assert.Len(t, res.Stages, 1)
}

func TestExecute_ReviewerCompletesSession(t *testing.T) {
	g := workflow.DefaultGraph()
	c := New(capability.NewRegistry(capability.Func{ID: capability.Reviewer, Fn: func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{Response: "reviewed"}, nil
	}}), g)
	s := publicationSession(g)
	g.JumpToStep(s, workflow.StepReview)

	c.Execute(context.Background(), jump(workflow.StepReview), s, "", "review it")

	assert.Equal(t, models.SessionCompleted, s.Status)
	assert.True(t, s.HasCompleted(workflow.StepReview))
}

func TestExecute_StageObserver(t *testing.T) {
	g := workflow.DefaultGraph()
	var seen []StageResult
	c := New(capability.NewRegistry(
		capability.Func{ID: capability.Researcher, Fn: func(context.Context, capability.Request) (capability.Result, error) {
			return capability.Result{Cascade: &capability.Cascade{Next: capability.Designer}}, nil
		}},
		capability.Func{ID: capability.Designer, Fn: func(context.Context, capability.Request) (capability.Result, error) {
			return capability.Result{}, nil
		}},
	), g, WithStageObserver(func(st StageResult) { seen = append(seen, st) }))

	c.Execute(context.Background(), jump(workflow.StepResearch), publicationSession(g), "", "")

	require.Len(t, seen, 2)
	assert.Equal(t, capability.Researcher, seen[0].Capability)
	assert.Equal(t, 1, seen[1].Depth)
}

func TestTransitionTable_StartsWorkflowWhenIdle(t *testing.T) {
	g := workflow.DefaultGraph()
	s := models.NewSessionState("s", "")

	assert.True(t, DefaultTransitions().apply(g, s, capability.Researcher, ShapeSuccess))
	assert.Equal(t, workflow.Publication, s.CurrentWorkflow)
	assert.Equal(t, workflow.StepDesign, s.CurrentStep)

	assert.False(t, DefaultTransitions().apply(g, s, capability.Researcher, ShapeFailure))
	assert.Equal(t, workflow.StepDesign, s.CurrentStep)
}
