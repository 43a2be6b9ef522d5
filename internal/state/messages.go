package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

// AppendMessage appends a message to the session history and returns it
// with its assigned index.
func (db *DB) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (models.Message, error) {
	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode message metadata: %w", err)
	}

	msg := models.Message{
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	err = db.transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("append message %s: %w", sessionID, ErrSessionNotFound)
		}
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(idx) + 1, 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&msg.Index)
		if err != nil {
			return fmt.Errorf("next message index: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, idx, role, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sessionID, msg.Index, string(role), content, string(metaJSON), formatTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
			formatTime(msg.CreatedAt), sessionID)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// CountMessages returns the number of messages stored for a session.
func (db *DB) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	row := db.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
// A limit <= 0 returns the full history.
func (db *DB) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.query(ctx, `
		SELECT idx, role, content, metadata, created_at FROM (
			SELECT idx, role, content, metadata, created_at FROM messages
			WHERE session_id = ? ORDER BY idx DESC LIMIT ?
		) ORDER BY idx ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var meta, createdAt string
		if err := rows.Scan(&m.Index, &m.Role, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
		m.CreatedAt, _ = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
