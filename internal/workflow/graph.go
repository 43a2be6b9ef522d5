// Package workflow holds the declarative workflow definitions and the
// advisory state machine that moves a session between steps.
//
// The graph is deliberately non-strict: any step can be reached from any
// other step with a jump. Step.Next only supports the additive Advance
// convenience and marks terminal steps.
package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Canonical step ids of the publication pipeline.
const (
	StepResearch          = "research"
	StepDesign            = "design"
	StepStructure         = "structure"
	StepStructureApproval = "structure_approval"
	StepContentCreation   = "content_creation"
	StepContentRevision   = "content_revision"
	StepReview            = "review"
)

// Built-in workflow names.
const (
	Publication = "publication"
	Revision    = "revision"
)

// Graph is the registry of workflow definitions.
type Graph struct {
	mu        sync.RWMutex
	workflows map[string]models.WorkflowDefinition
	// order keeps registration order so lookups by step are deterministic.
	order []string
}

// NewGraph creates a graph containing the given definitions.
// Definitions are validated; the first invalid one aborts construction.
func NewGraph(defs ...models.WorkflowDefinition) (*Graph, error) {
	g := &Graph{workflows: make(map[string]models.WorkflowDefinition)}
	for _, def := range defs {
		if err := g.Register(def); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// DefaultGraph returns a graph with the built-in workflows.
func DefaultGraph() *Graph {
	g, err := NewGraph(DefaultDefinitions()...)
	if err != nil {
		// Built-in definitions are static; failing here is a programming error.
		panic(fmt.Sprintf("workflow: invalid built-in definitions: %v", err))
	}
	return g
}

// DefaultDefinitions returns the built-in workflow definitions.
func DefaultDefinitions() []models.WorkflowDefinition {
	return []models.WorkflowDefinition{
		{
			Name: Publication,
			Steps: []models.WorkflowStep{
				{ID: StepResearch, Required: true, Next: StepDesign, Capability: models.CapabilityResearcher},
				{ID: StepDesign, Required: true, Next: StepStructure, Capability: models.CapabilityDesigner},
				{ID: StepStructure, Required: true, Next: StepStructureApproval, Capability: models.CapabilityStructurer},
				{ID: StepStructureApproval, Required: true, Next: StepContentCreation, Capability: models.CapabilityApprover},
				{ID: StepContentCreation, Required: true, Next: StepReview, Capability: models.CapabilityWriter},
				{ID: StepReview, Required: false, Capability: models.CapabilityReviewer},
			},
		},
		{
			Name: Revision,
			Steps: []models.WorkflowStep{
				{ID: StepContentRevision, Required: true, Next: StepReview, Capability: models.CapabilityReviser},
				{ID: StepReview, Required: false, Capability: models.CapabilityReviewer},
			},
		},
	}
}

// Register adds or replaces a workflow definition.
func (g *Graph) Register(def models.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.workflows[def.Name]; !exists {
		g.order = append(g.order, def.Name)
	}
	g.workflows[def.Name] = def
	return nil
}

// Validate checks a definition for empty names, duplicate step ids and
// dangling next pointers.
func Validate(def models.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", def.Name)
	}

	ids := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %q has a step without id", def.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %q has duplicate step %q", def.Name, s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range def.Steps {
		if s.Next != "" && !ids[s.Next] {
			return fmt.Errorf("workflow %q step %q points to unknown step %q", def.Name, s.ID, s.Next)
		}
	}
	return nil
}

// Get returns the named workflow definition.
func (g *Graph) Get(name string) (models.WorkflowDefinition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.workflows[name]
	return def, ok
}

// Names returns the registered workflow names in sorted order.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.workflows))
	for n := range g.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Step returns the step with the given id in the named workflow.
func (g *Graph) Step(workflowName, stepID string) (models.WorkflowStep, bool) {
	def, ok := g.Get(workflowName)
	if !ok {
		return models.WorkflowStep{}, false
	}
	for _, s := range def.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return models.WorkflowStep{}, false
}

// HasStep reports whether stepID is a valid step of the named workflow.
func (g *Graph) HasStep(workflowName, stepID string) bool {
	_, ok := g.Step(workflowName, stepID)
	return ok
}

// FirstStep returns the first step id of the named workflow.
func (g *Graph) FirstStep(workflowName string) (string, bool) {
	def, ok := g.Get(workflowName)
	if !ok || len(def.Steps) == 0 {
		return "", false
	}
	return def.Steps[0].ID, true
}

// FindStep locates the first workflow, in registration order, that
// defines stepID.
func (g *Graph) FindStep(stepID string) (string, models.WorkflowStep, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.order {
		for _, s := range g.workflows[name].Steps {
			if s.ID == stepID {
				return name, s, true
			}
		}
	}
	return "", models.WorkflowStep{}, false
}

// CapabilityFor returns the capability bound to a step. If the step is not
// part of workflowName, every workflow is searched.
func (g *Graph) CapabilityFor(workflowName, stepID string) string {
	if s, ok := g.Step(workflowName, stepID); ok {
		return s.Capability
	}
	if _, s, ok := g.FindStep(stepID); ok {
		return s.Capability
	}
	return ""
}
