package workflow

import (
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Transitions never fail. The graph is advisory bookkeeping: a request that
// cannot be honored leaves the session unchanged and reports false.

// StartNewWorkflow resets the session onto the first step of name.
func (g *Graph) StartNewWorkflow(s *models.SessionState, name string) bool {
	first, ok := g.FirstStep(name)
	if !ok {
		return false
	}
	s.CurrentWorkflow = name
	s.CurrentStep = first
	s.CompletedSteps = nil
	s.Status = models.SessionInProgress
	touch(s)
	return true
}

// JumpToStep moves the session to step. The step it leaves is recorded as
// completed. If step is not part of the current workflow the session moves
// to the first workflow that defines it; unknown steps are ignored.
func (g *Graph) JumpToStep(s *models.SessionState, step string) bool {
	if step == "" {
		return false
	}
	if s.CurrentStep == step && g.HasStep(s.CurrentWorkflow, step) {
		return true
	}

	workflowName := s.CurrentWorkflow
	if !g.HasStep(workflowName, step) {
		name, _, ok := g.FindStep(step)
		if !ok {
			return false
		}
		workflowName = name
	}

	if s.CurrentStep != "" && s.CurrentStep != step {
		s.AddCompleted(s.CurrentStep)
	}
	s.CurrentWorkflow = workflowName
	s.CurrentStep = step
	if s.Status != models.SessionInProgress {
		s.Status = models.SessionInProgress
	}
	touch(s)
	return true
}

// ContinueCurrent leaves the session unchanged.
func (g *Graph) ContinueCurrent(_ *models.SessionState) bool {
	return true
}

// MarkComplete records the current step and completes the session.
func (g *Graph) MarkComplete(s *models.SessionState) bool {
	s.AddCompleted(s.CurrentStep)
	s.Status = models.SessionCompleted
	touch(s)
	return true
}

// Advance follows the current step's next pointer. Advancing from a
// terminal step completes the session.
func (g *Graph) Advance(s *models.SessionState) bool {
	step, ok := g.Step(s.CurrentWorkflow, s.CurrentStep)
	if !ok {
		return false
	}
	if step.Next == "" {
		return g.MarkComplete(s)
	}
	return g.JumpToStep(s, step.Next)
}

// Apply dispatches the decision's action onto the session.
func (g *Graph) Apply(s *models.SessionState, d models.Decision) bool {
	switch d.Action {
	case models.ActionStartWorkflow:
		if !g.StartNewWorkflow(s, d.TargetWorkflow) {
			return false
		}
		// A fresh workflow entered mid-way has nothing completed yet.
		if d.TargetStep != "" && g.HasStep(s.CurrentWorkflow, d.TargetStep) {
			s.CurrentStep = d.TargetStep
		}
		return true
	case models.ActionJumpToStep:
		return g.JumpToStep(s, d.TargetStep)
	case models.ActionContinueCurrent, models.ActionNone:
		return g.ContinueCurrent(s)
	default:
		return false
	}
}

func touch(s *models.SessionState) {
	s.UpdatedAt = time.Now().UTC()
}
