package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/quill/internal/capability"
	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/internal/workflow"
	"github.com/ShayCichocki/quill/pkg/models"
)

// ResumeResult describes what Resume changed.
type ResumeResult struct {
	SessionID string
	// FromStep is the stored step before restoration.
	FromStep string
	Step     string
	Restored bool
	// ClearedGeneration is set when a generation marker had no live run.
	ClearedGeneration bool
}

// Resume brings an interrupted session back to a consistent position. The
// publication step is recomputed from the artifacts that exist, and a
// generation marker without a live run behind it is cleared.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (ResumeResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	s, err := o.deps.Store.GetState(ctx, sessionID)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return ResumeResult{}, fmt.Errorf("resume %s: %w", sessionID, state.ErrSessionNotFound)
	}

	out := ResumeResult{SessionID: s.ID, FromStep: s.CurrentStep}
	before := s.Clone()

	if s.Bool(models.KeyGenerationInProgress) && !o.generationLive(s) {
		delete(s.StepData, models.KeyGenerationInProgress)
		out.ClearedGeneration = true
	}

	if restorable(s) {
		out.Restored = o.deps.Graph.RestoreSession(s)
	}
	out.Step = s.CurrentStep

	if patch := state.Diff(before, s); !patch.IsEmpty() {
		if err := o.deps.Store.SetState(ctx, s.ID, patch); err != nil {
			return ResumeResult{}, fmt.Errorf("persist restored session: %w", err)
		}
	}

	o.logger.Info("session resumed", "session", s.ID, "from", out.FromStep, "step", out.Step,
		"restored", out.Restored, "cleared_generation", out.ClearedGeneration)
	return out, nil
}

// Recover resumes every in-progress session. It is meant to run once at
// startup, before any turn is handled. A failure on one session does not
// stop the others.
func (o *Orchestrator) Recover(ctx context.Context) ([]ResumeResult, error) {
	ids, err := o.interrupted(ctx)
	if err != nil {
		return nil, err
	}

	var (
		results []ResumeResult
		errs    []error
	)
	for _, id := range ids {
		res, err := o.Resume(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Abandon closes an interrupted session without resuming it.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) error {
	if o.deps.Recovery == nil {
		return errors.New("abandon: no recovery manager configured")
	}
	unlock := o.lockSession(sessionID)
	defer unlock()
	return o.deps.Recovery.Clean(ctx, sessionID)
}

func (o *Orchestrator) interrupted(ctx context.Context) ([]string, error) {
	var ids []string
	if o.deps.Recovery != nil {
		found, err := o.deps.Recovery.CheckForInterrupted(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range found {
			ids = append(ids, s.SessionID)
		}
		return ids, nil
	}

	status := models.SessionInProgress
	sessions, err := o.deps.Store.ListSessions(ctx, &status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// restorable reports whether the step pointer can be recomputed from
// artifacts. Only the publication pipeline has artifacts to restore from.
func restorable(s *models.SessionState) bool {
	return s.CurrentWorkflow == "" || s.CurrentWorkflow == workflow.Publication
}

// generationLive reports whether this process holds a generation lock for
// the session's resource.
func (o *Orchestrator) generationLive(s *models.SessionState) bool {
	resourceID := firstNonEmpty(s.String(capability.KeyResourceID), capability.ResourceID(s.ID, s.SubjectID))
	_, held := o.deps.Runner.Locks().Held(resourceID)
	return held
}
