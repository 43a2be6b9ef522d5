package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// ErrSessionNotFound is returned by SetState and AppendMessage for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Patch is a partial update of a session record. Nil fields are left
// unchanged. StepData is merged key by key; a nil value deletes the key.
type Patch struct {
	CurrentWorkflow *string
	CurrentStep     *string
	CompletedSteps  []string
	Status          *models.SessionStatus
	StepData        map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.CurrentWorkflow == nil && p.CurrentStep == nil && p.CompletedSteps == nil &&
		p.Status == nil && len(p.StepData) == 0
}

// Apply applies the patch to s in place.
func (p Patch) Apply(s *models.SessionState) {
	if p.CurrentWorkflow != nil {
		s.CurrentWorkflow = *p.CurrentWorkflow
	}
	if p.CurrentStep != nil {
		s.CurrentStep = *p.CurrentStep
	}
	if p.CompletedSteps != nil {
		s.CompletedSteps = nil
		for _, step := range p.CompletedSteps {
			s.AddCompleted(step)
		}
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	for k, v := range p.StepData {
		if v == nil {
			delete(s.StepData, k)
			continue
		}
		s.Set(k, v)
	}
}

// Diff builds the patch that turns before into after.
func Diff(before, after *models.SessionState) Patch {
	var p Patch
	if before.CurrentWorkflow != after.CurrentWorkflow {
		wf := after.CurrentWorkflow
		p.CurrentWorkflow = &wf
	}
	if before.CurrentStep != after.CurrentStep {
		step := after.CurrentStep
		p.CurrentStep = &step
	}
	if !slices.Equal(before.CompletedSteps, after.CompletedSteps) {
		p.CompletedSteps = slices.Clone(after.CompletedSteps)
		if p.CompletedSteps == nil {
			p.CompletedSteps = []string{}
		}
	}
	if before.Status != after.Status {
		status := after.Status
		p.Status = &status
	}
	for k, v := range after.StepData {
		if old, ok := before.StepData[k]; !ok || !sameValue(old, v) {
			if p.StepData == nil {
				p.StepData = map[string]any{}
			}
			p.StepData[k] = v
		}
	}
	for k := range before.StepData {
		if _, ok := after.StepData[k]; !ok {
			if p.StepData == nil {
				p.StepData = map[string]any{}
			}
			p.StepData[k] = nil
		}
	}
	return p
}

// sameValue compares step data values through their JSON form, which is
// what gets persisted.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// Session CRUD operations

// CreateSession inserts a new session record.
func (db *DB) CreateSession(ctx context.Context, s *models.SessionState) error {
	completed, stepData, err := encodeSession(s)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = models.SessionNotStarted
	}

	_, err = db.exec(ctx, `
		INSERT INTO sessions (id, subject_id, current_workflow, current_step, completed_steps,
			status, step_data, summary, summary_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SubjectID, s.CurrentWorkflow, s.CurrentStep, completed,
		string(s.Status), stepData, s.Summary, s.SummaryCount, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, subject_id, current_workflow, current_step, completed_steps,
	status, step_data, summary, summary_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionState, error) {
	var s models.SessionState
	var completed, stepData, createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.SubjectID, &s.CurrentWorkflow, &s.CurrentStep, &completed,
		&s.Status, &stepData, &s.Summary, &s.SummaryCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(completed), &s.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(stepData), &s.StepData); err != nil {
		return nil, fmt.Errorf("decode step data: %w", err)
	}
	if s.StepData == nil {
		s.StepData = map[string]any{}
	}
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	return &s, nil
}

// GetState retrieves a session by ID. It returns nil, nil if not found.
func (db *DB) GetState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	row := db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// SetState applies a patch to the stored session atomically.
func (db *DB) SetState(ctx context.Context, sessionID string, patch Patch) error {
	if patch.IsEmpty() {
		return nil
	}

	return db.transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
		s, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("set state %s: %w", sessionID, ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("set state: %w", err)
		}

		patch.Apply(s)
		s.UpdatedAt = time.Now().UTC()

		completed, stepData, err := encodeSession(s)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET current_workflow = ?, current_step = ?, completed_steps = ?,
				status = ?, step_data = ?, updated_at = ?
			WHERE id = ?
		`, s.CurrentWorkflow, s.CurrentStep, completed, string(s.Status), stepData,
			formatTime(s.UpdatedAt), s.ID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return nil
	})
}

// SetSummary replaces the rolling conversation summary and records the
// message count it covers.
func (db *DB) SetSummary(ctx context.Context, sessionID, summary string, atCount int) error {
	_, err := db.exec(ctx, `UPDATE sessions SET summary = ?, summary_count = ? WHERE id = ?`, summary, atCount, sessionID)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// DeleteSession deletes a session and its messages.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := db.exec(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions lists sessions, most recently updated first, optionally
// filtered by status.
func (db *DB) ListSessions(ctx context.Context, status *models.SessionStatus) ([]models.SessionState, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY updated_at DESC`,
			string(*status))
	} else {
		rows, err = db.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionState
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func encodeSession(s *models.SessionState) (completed, stepData string, err error) {
	steps := s.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	cb, err := json.Marshal(steps)
	if err != nil {
		return "", "", fmt.Errorf("encode completed steps: %w", err)
	}
	data := s.StepData
	if data == nil {
		data = map[string]any{}
	}
	db, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("encode step data: %w", err)
	}
	return string(cb), string(db), nil
}
