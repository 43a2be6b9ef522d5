// Package capability defines the contract the router uses to invoke,
// chain and stream units of work, plus the registry that resolves them by name.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/quill/pkg/models"
)

// Capability names used by the built-in workflows.
const (
	Researcher = models.CapabilityResearcher
	Designer   = models.CapabilityDesigner
	Structurer = models.CapabilityStructurer
	Approver   = models.CapabilityApprover
	Writer     = models.CapabilityWriter
	Reviewer   = models.CapabilityReviewer
	Reviser    = models.CapabilityReviser
	Responder  = models.CapabilityResponder
)

// Request is the input to a capability invocation.
type Request struct {
	SessionID string
	SubjectID string
	ActorID   string
	Text      string
	// Session is a snapshot of the session. Capabilities report changes
	// through Result.SideEffects and never mutate it.
	Session  *models.SessionState
	History  []models.Message
	Decision models.Decision
	// Params carries cascade parameters from the previous stage.
	Params map[string]any
}

// Cascade asks the router to invoke Next in the same turn.
type Cascade struct {
	Next   string
	Params map[string]any
}

// StreamDirective tells the caller to open a stream for long-running work.
type StreamDirective struct {
	Type       string         `json:"type"`
	ResourceID string         `json:"resource_id"`
	Params     map[string]any `json:"params,omitempty"`
}

// Result is the outcome of a capability invocation.
type Result struct {
	Response string
	// SideEffects are step data updates to persist on the session.
	SideEffects map[string]any
	Cascade     *Cascade
	Stream      *StreamDirective
	// Incomplete keeps the session on its current step: the capability ran
	// but could not do its work yet.
	Incomplete bool
}

// Capability is a named unit of work.
type Capability interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// StreamRequest is the input to a streaming run.
type StreamRequest struct {
	SessionID  string
	ResourceID string
	Params     map[string]any
}

// Emit delivers one progress event to the runner.
type Emit func(models.StreamEvent)

// Streamer is implemented by capabilities that produce incremental output.
type Streamer interface {
	Capability
	Stream(ctx context.Context, req StreamRequest, emit Emit) error
}

// ErrDuplicate is returned when registering a name twice.
var ErrDuplicate = errors.New("capability already registered")

// Registry resolves capabilities by name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates a registry holding caps. It panics on duplicates.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{caps: make(map[string]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a capability.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Name())
	}
	r.caps[c.Name()] = c
	return nil
}

// Get looks up a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Streamer looks up a capability that supports streaming.
func (r *Registry) Streamer(name string) (Streamer, bool) {
	c, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	s, ok := c.(Streamer)
	return s, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Func adapts a function to the Capability interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}
