package models

// Category is the broad kind of request a user utterance represents.
type Category string

const (
	// CategoryWorkflow is a request that moves the content workflow.
	CategoryWorkflow Category = "workflow_request"
	// CategoryAgent is a request aimed at a specific capability.
	CategoryAgent Category = "agent_request"
	// CategoryGeneral is ordinary conversation.
	CategoryGeneral Category = "general"
)

// Valid returns true if the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryWorkflow, CategoryAgent, CategoryGeneral:
		return true
	default:
		return false
	}
}

// Action is the state-machine action a decision asks for.
type Action string

const (
	ActionStartWorkflow   Action = "start_new_workflow"
	ActionJumpToStep      Action = "jump_to_step"
	ActionContinueCurrent Action = "continue_current"
	ActionNone            Action = "none"
)

// Valid returns true if the action is a known value.
func (a Action) Valid() bool {
	switch a {
	case ActionStartWorkflow, ActionJumpToStep, ActionContinueCurrent, ActionNone:
		return true
	default:
		return false
	}
}

// Confidence is the classifier's confidence in a decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid returns true if the confidence is a known value.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return false
	}
}

// Names of the built-in capabilities. Workflow steps, override rules and
// the registry all refer to capabilities by these names.
const (
	CapabilityResearcher = "researcher"
	CapabilityDesigner   = "designer"
	CapabilityStructurer = "structurer"
	CapabilityApprover   = "approver"
	CapabilityWriter     = "writer"
	CapabilityReviewer   = "reviewer"
	CapabilityReviser    = "reviser"
	CapabilityResponder  = "responder"
)

// DecisionSource records which stage produced a decision.
type DecisionSource string

const (
	SourceClassifier DecisionSource = "classifier"
	SourceFallback   DecisionSource = "fallback"
	SourceOverride   DecisionSource = "override"
)

// Decision is the structured output of intent classification.
// It drives routing: which step to move to and which capability to run.
type Decision struct {
	Category         Category   `json:"category"`
	Action           Action     `json:"action"`
	TargetWorkflow   string     `json:"target_workflow,omitempty"`
	TargetStep       string     `json:"target_step,omitempty"`
	TargetCapability string     `json:"target_capability,omitempty"`
	Confidence       Confidence `json:"confidence"`
	// Reasoning is diagnostic only and never drives behavior.
	Reasoning string `json:"reasoning,omitempty"`

	Source DecisionSource `json:"source,omitempty"`
	// Rule names the override rule that forced this decision, if any.
	Rule string `json:"rule,omitempty"`
}

// Valid reports whether the enum fields hold known values.
// A jump without a target step is not well formed.
func (d Decision) Valid() bool {
	if !d.Category.Valid() || !d.Action.Valid() || !d.Confidence.Valid() {
		return false
	}
	if d.Action == ActionJumpToStep && d.TargetStep == "" {
		return false
	}
	if d.Action == ActionStartWorkflow && d.TargetWorkflow == "" {
		return false
	}
	return true
}
