package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/quill/pkg/models"
)

// SessionStore handles session record persistence.
// GetState returns nil, nil when the session does not exist.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.SessionState) error
	GetState(ctx context.Context, sessionID string) (*models.SessionState, error)
	SetState(ctx context.Context, sessionID string, patch Patch) error
	ListSessions(ctx context.Context, status *models.SessionStatus) ([]models.SessionState, error)
	SetSummary(ctx context.Context, sessionID, summary string, atCount int) error
}

// MessageStore handles conversation history persistence.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the full persistence interface used by the orchestrator.
type Store interface {
	io.Closer
	Migrator
	SessionStore
	MessageStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
	_ MessageStore = (*DB)(nil)
)
