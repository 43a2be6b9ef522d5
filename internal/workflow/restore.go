package workflow

import "github.com/ShayCichocki/quill/pkg/models"

// pipelineStage pairs a canonical step with the flag that marks it done.
type pipelineStage struct {
	step string
	done func(models.Flags) bool
}

// canonicalPipeline is the order artifacts are produced in. Restoration
// walks it and stops at the first missing artifact.
var canonicalPipeline = []pipelineStage{
	{StepResearch, func(f models.Flags) bool { return f.Research }},
	{StepDesign, func(f models.Flags) bool { return f.Design }},
	{StepStructure, func(f models.Flags) bool { return f.Structure }},
	{StepStructureApproval, func(f models.Flags) bool { return f.StructureApproved }},
	{StepContentCreation, func(f models.Flags) bool { return f.Content }},
}

// Restore computes the next actionable step from resource-availability
// flags alone, ignoring whatever step pointer is stored. It is used to
// recover a consistent position after an interruption.
func Restore(flags models.Flags) string {
	for _, stage := range canonicalPipeline {
		if !stage.done(flags) {
			return stage.step
		}
	}
	return StepReview
}

// RestoreSession moves s onto the restored step of the publication
// workflow. It reports whether the stored pointer was stale.
func (g *Graph) RestoreSession(s *models.SessionState) bool {
	next := Restore(s.Flags())
	if s.CurrentWorkflow == Publication && s.CurrentStep == next {
		return false
	}

	if s.CurrentWorkflow != Publication {
		s.CurrentWorkflow = Publication
		s.CompletedSteps = nil
	}
	// Everything before the restored step is done by construction.
	for _, stage := range canonicalPipeline {
		if stage.step == next {
			break
		}
		s.AddCompleted(stage.step)
	}
	s.CurrentStep = next
	if s.Status == models.SessionNotStarted {
		s.Status = models.SessionInProgress
	}
	touch(s)
	return true
}
