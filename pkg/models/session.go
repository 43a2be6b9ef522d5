package models

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle status of a workflow session.
type SessionStatus string

const (
	SessionNotStarted SessionStatus = "not_started"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionNotStarted, SessionInProgress, SessionCompleted:
		return true
	default:
		return false
	}
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Step data keys shared between capabilities, the router and restoration.
const (
	KeyHasResearch          = "has_research"
	KeyHasDesign            = "has_design"
	KeyHasStructure         = "has_structure"
	KeyStructureApproved    = "structure_approved"
	KeyHasContent           = "has_content"
	KeyGenerationInProgress = "generation_in_progress"
	KeyGenerationRequested  = "generation_requested"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Index     int            `json:"index"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionState is the persisted conversation and workflow position.
type SessionState struct {
	ID              string         `json:"id"`
	SubjectID       string         `json:"subject_id"`
	CurrentWorkflow string         `json:"current_workflow"`
	CurrentStep     string         `json:"current_step"`
	CompletedSteps  []string       `json:"completed_steps"`
	Status          SessionStatus  `json:"status"`
	StepData        map[string]any `json:"step_data"`
	Summary         string         `json:"summary,omitempty"`
	// SummaryCount is the message count when Summary was last regenerated.
	SummaryCount    int            `json:"summary_count,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewSessionState returns a fresh, not-started session.
func NewSessionState(id, subjectID string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		ID:        id,
		SubjectID: subjectID,
		Status:    SessionNotStarted,
		StepData:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasCompleted reports whether step is in the completed set.
func (s *SessionState) HasCompleted(step string) bool {
	return slices.Contains(s.CompletedSteps, step)
}

// AddCompleted appends step to the completed set unless already present.
func (s *SessionState) AddCompleted(step string) {
	if step == "" || s.HasCompleted(step) {
		return
	}
	s.CompletedSteps = append(s.CompletedSteps, step)
}

// Bool returns the boolean stored under key in StepData.
func (s *SessionState) Bool(key string) bool {
	if s.StepData == nil {
		return false
	}
	v, ok := s.StepData[key].(bool)
	return ok && v
}

// String returns the string stored under key in StepData.
func (s *SessionState) String(key string) string {
	if s.StepData == nil {
		return ""
	}
	v, _ := s.StepData[key].(string)
	return v
}

// Set stores a value in StepData.
func (s *SessionState) Set(key string, value any) {
	if s.StepData == nil {
		s.StepData = map[string]any{}
	}
	s.StepData[key] = value
}

// Flags are resource-availability booleans derived from persisted state.
type Flags struct {
	Research          bool `json:"research"`
	Design            bool `json:"design"`
	Structure         bool `json:"structure"`
	StructureApproved bool `json:"structure_approved"`
	Content           bool `json:"content"`
}

// Flags derives the resource-availability flags from StepData.
func (s *SessionState) Flags() Flags {
	return Flags{
		Research:          s.Bool(KeyHasResearch),
		Design:            s.Bool(KeyHasDesign),
		Structure:         s.Bool(KeyHasStructure),
		StructureApproved: s.Bool(KeyStructureApproved),
		Content:           s.Bool(KeyHasContent),
	}
}

// Clone returns a deep-enough copy for safe mutation by callers.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.StepData = make(map[string]any, len(s.StepData))
	for k, v := range s.StepData {
		c.StepData[k] = v
	}
	return &c
}
