package router

import (
	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// Shape classifies how a capability invocation ended.
type Shape string

const (
	ShapeSuccess   Shape = "success"
	ShapeStreaming Shape = "streaming"
	ShapeFailure   Shape = "failure"
)

// TransitionKey selects a row of the transition table.
type TransitionKey struct {
	Capability string
	Shape      Shape
}

// Transition is where the session goes after an invocation. Complete
// marks the workflow finished instead of moving.
type Transition struct {
	Step     string
	Complete bool
}

// TransitionTable maps invocation outcomes to session moves. Missing rows
// leave the session where it is.
type TransitionTable map[TransitionKey]Transition

// DefaultTransitions is the table for the built-in workflows.
func DefaultTransitions() TransitionTable {
	return TransitionTable{
		{capability.Researcher, ShapeSuccess}: {Step: workflow.StepDesign},
		{capability.Designer, ShapeSuccess}:   {Step: workflow.StepStructure},
		{capability.Structurer, ShapeSuccess}: {Step: workflow.StepStructureApproval},
		{capability.Approver, ShapeSuccess}:   {Step: workflow.StepContentCreation},
		{capability.Writer, ShapeStreaming}:   {Step: workflow.StepContentCreation},
		{capability.Reviewer, ShapeSuccess}:   {Complete: true},
		{capability.Reviser, ShapeSuccess}:    {Step: workflow.StepReview},
	}
}

// apply moves s according to the row for (name, shape). It reports
// whether a row existed.
func (t TransitionTable) apply(g *workflow.Graph, s *models.SessionState, name string, shape Shape) bool {
	tr, ok := t[TransitionKey{Capability: name, Shape: shape}]
	if !ok {
		return false
	}
	if tr.Complete {
		g.MarkComplete(s)
		return true
	}
	if s.CurrentWorkflow == "" {
		g.StartNewWorkflow(s, workflow.Publication)
	}
	return g.JumpToStep(s, tr.Step)
}
