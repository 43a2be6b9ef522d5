package models

import "time"

// StreamEventType is the kind of incremental generation event.
type StreamEventType string

const (
	StreamStart       StreamEventType = "start"
	StreamProgress    StreamEventType = "progress"
	StreamItemCreated StreamEventType = "item_created"
	StreamContent     StreamEventType = "content"
	StreamError       StreamEventType = "error"
	StreamComplete    StreamEventType = "complete"
)

// IsTerminal reports whether the type ends a run.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamError || t == StreamComplete
}

// StreamEvent is one message in a generation progress stream.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Payload map[string]any  `json:"payload,omitempty"`
	// Seq is assigned by the runner in production order, starting at 1.
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`
}

// IsTerminal reports whether the event ends a run.
func (e StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// GenerationLock marks a live generation run for a resource.
type GenerationLock struct {
	ResourceID string    `json:"resource_id"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// WorkflowStep is one state of a workflow definition.
type WorkflowStep struct {
	ID       string `json:"id" yaml:"id"`
	Required bool   `json:"required" yaml:"required"`
	// Next is empty for terminal steps.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
	// Capability is invoked when routing lands on this step.
	Capability string `json:"capability,omitempty" yaml:"capability,omitempty"`
}

// WorkflowDefinition is a named, ordered sequence of steps.
type WorkflowDefinition struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []WorkflowStep `json:"steps" yaml:"steps"`
}
