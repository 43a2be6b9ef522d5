package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/internal/streaming"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// ErrNotStreamable is returned when the generation capability cannot stream.
var ErrNotStreamable = errors.New("capability does not stream")

// OpenStream starts the writer for a session. An empty resourceID uses the
// session's generation resource. A resource that already has a live run
// yields a conflict result and streaming.ErrGenerationConflict.
func (o *Orchestrator) OpenStream(ctx context.Context, sessionID, resourceID string, params map[string]any) (streaming.StartResult, error) {
	// Held until the in-progress marker is written so the finish hook,
	// which takes the same lock, always runs after it.
	unlock := o.lockSession(sessionID)
	defer unlock()

	s, err := o.deps.Store.GetState(ctx, sessionID)
	if err != nil {
		return streaming.StartResult{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return streaming.StartResult{}, fmt.Errorf("open stream for %s: %w", sessionID, state.ErrSessionNotFound)
	}

	streamer, ok := o.deps.Registry.Streamer(capability.Writer)
	if !ok {
		return streaming.StartResult{}, fmt.Errorf("%s: %w", capability.Writer, ErrNotStreamable)
	}

	if resourceID == "" {
		resourceID = firstNonEmpty(s.String(capability.KeyResourceID), capability.ResourceID(s.ID, s.SubjectID))
	}

	p := make(map[string]any, len(params)+3)
	maps.Copy(p, params)
	p["session_id"] = s.ID
	for _, key := range []string{capability.KeyStructureURI, capability.KeyDesignURI} {
		if _, set := p[key]; !set {
			if v := s.String(key); v != "" {
				p[key] = v
			}
		}
	}

	res, err := o.deps.Runner.Start(ctx, streamer, resourceID, p)
	if err != nil {
		if errors.Is(err, streaming.ErrGenerationConflict) {
			o.deps.Metrics.ObserveConflict()
		}
		return res, err
	}

	err = o.deps.Store.SetState(ctx, s.ID, state.Patch{StepData: map[string]any{
		models.KeyGenerationInProgress: true,
		models.KeyGenerationRequested:  nil,
		capability.KeyResourceID:       resourceID,
	}})
	if err != nil {
		// The run is already going; only the marker is missing.
		o.logger.Error("mark generation in progress", "session", s.ID, "run_id", res.Run.ID, "error", err)
	}
	return res, nil
}

// finishGeneration runs on the producer goroutine before the generation
// lock is released. A successful run records the content and moves the
// session to review; a failed one only clears the markers.
func (o *Orchestrator) finishGeneration(ctx context.Context, out streaming.Outcome) {
	if out.SessionID == "" {
		return
	}
	unlock := o.lockSession(out.SessionID)
	defer unlock()

	logger := o.logger.With("session", out.SessionID, "run_id", out.RunID)
	s, err := o.deps.Store.GetState(ctx, out.SessionID)
	if err != nil || s == nil {
		logger.Error("load session after generation", "error", err)
		return
	}

	before := s.Clone()
	delete(s.StepData, models.KeyGenerationInProgress)
	delete(s.StepData, models.KeyGenerationRequested)

	var note string
	if out.Err == nil {
		s.Set(models.KeyHasContent, true)
		if n, ok := o.countItems(ctx, out.ResourceID); ok {
			s.Set(capability.KeyItemCount, n)
			note = fmt.Sprintf("Finished generating %d items. Ask for a review when you're ready.", n)
		} else {
			note = "Finished generating content."
		}
		o.deps.Graph.JumpToStep(s, workflow.StepReview)
	} else {
		note = "Content generation stopped before it finished. Ask me to try again."
	}

	if patch := state.Diff(before, s); !patch.IsEmpty() {
		if err := o.deps.Store.SetState(ctx, s.ID, patch); err != nil {
			logger.Error("persist generation result", "error", err)
			return
		}
	}
	meta := map[string]any{"run_id": out.RunID, "resource_id": out.ResourceID}
	if out.Err != nil {
		meta["error"] = out.Err.Error()
	}
	if _, err := o.deps.Store.AppendMessage(ctx, s.ID, models.RoleAssistant, note, meta); err != nil {
		logger.Warn("append generation note", "error", err)
	}
}

func (o *Orchestrator) countItems(ctx context.Context, resourceID string) (int, bool) {
	if o.deps.Artifacts == nil {
		return 0, false
	}
	keys, err := o.deps.Artifacts.List(ctx, capability.ContentPrefix(resourceID))
	if err != nil {
		o.logger.Warn("count generated items", "resource_id", resourceID, "error", err)
		return 0, false
	}
	return len(keys), true
}
