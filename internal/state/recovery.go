package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// InterruptedSession describes an in-progress session found on startup.
type InterruptedSession struct {
	SessionID    string
	Workflow     string
	Step         string
	LastActivity time.Time
	// StaleGeneration is set when the session still carries a
	// generation marker. No run survives a process restart.
	StaleGeneration bool
}

// RecoveryManager detects and cleans up sessions interrupted by a restart.
type RecoveryManager struct {
	db     *DB
	logger *slog.Logger
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB, logger *slog.Logger) *RecoveryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{db: db, logger: logger}
}

// CheckForInterrupted lists every in-progress session, most recent first.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) ([]InterruptedSession, error) {
	status := models.SessionInProgress
	sessions, err := rm.db.ListSessions(ctx, &status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]InterruptedSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, InterruptedSession{
			SessionID:       s.ID,
			Workflow:        s.CurrentWorkflow,
			Step:            s.CurrentStep,
			LastActivity:    s.UpdatedAt,
			StaleGeneration: s.Bool(models.KeyGenerationInProgress),
		})
	}
	return out, nil
}

// ClearStaleGeneration removes generation markers left behind by a run
// that died with the previous process.
func (rm *RecoveryManager) ClearStaleGeneration(ctx context.Context, sessionID string) error {
	err := rm.db.SetState(ctx, sessionID, Patch{StepData: map[string]any{
		models.KeyGenerationInProgress: nil,
		models.KeyGenerationRequested:  nil,
	}})
	if err != nil {
		return fmt.Errorf("clear generation marker: %w", err)
	}
	rm.logger.Info("cleared stale generation marker", "session", sessionID)
	return nil
}

// Clean marks an interrupted session completed without resuming it.
func (rm *RecoveryManager) Clean(ctx context.Context, sessionID string) error {
	s, err := rm.db.GetState(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return fmt.Errorf("clean %s: %w", sessionID, ErrSessionNotFound)
	}

	done := models.SessionCompleted
	patch := Patch{Status: &done}
	if s.Bool(models.KeyGenerationInProgress) || s.Bool(models.KeyGenerationRequested) {
		patch.StepData = map[string]any{
			models.KeyGenerationInProgress: nil,
			models.KeyGenerationRequested:  nil,
		}
	}
	if err := rm.db.SetState(ctx, sessionID, patch); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	rm.logger.Info("cleaned interrupted session", "session", sessionID, "step", s.CurrentStep)
	return nil
}
