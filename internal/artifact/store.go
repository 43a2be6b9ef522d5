// Package artifact stores the documents capabilities produce: research
// notes, designs, structures, generated items and reviews. Capabilities
// only exchange URIs through session step data; the bodies live here.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// URIScheme prefixes every artifact URI.
const URIScheme = "artifact://"

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact persistence contract used by capabilities.
type Store interface {
	Write(ctx context.Context, key, content string) (string, error)
	Read(ctx context.Context, key string) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Entry is one stored artifact.
type Entry struct {
	Key       string
	Content   string
	UpdatedAt time.Time
}

// SQLiteStore is a Store backed by an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates if needed) the artifact database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS artifacts (
			key TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// URI returns the URI for a key.
func URI(key string) string {
	return URIScheme + key
}

// KeyFromURI strips the scheme from an artifact URI. Plain keys pass through.
func KeyFromURI(uri string) string {
	return strings.TrimPrefix(uri, URIScheme)
}

// Write stores content under key, replacing any previous version.
func (s *SQLiteStore) Write(ctx context.Context, key, content string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("write artifact: empty key")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (key, content, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, key, content, now, now)
	if err != nil {
		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}
	return URI(key), nil
}

// Read returns the content stored under key or a URI for it.
func (s *SQLiteStore) Read(ctx context.Context, key string) (string, error) {
	key = KeyFromURI(key)
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM artifacts WHERE key = ?`, key).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("read artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", key, err)
	}
	return content, nil
}

// Get returns the full entry stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	key = KeyFromURI(key)
	var e Entry
	err := s.db.QueryRowContext(ctx, `SELECT key, content, updated_at FROM artifacts WHERE key = ?`, key).
		Scan(&e.Key, &e.Content, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	return &e, nil
}

// List returns the keys starting with prefix in key order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM artifacts WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan artifact key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes the artifact under key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE key = ?`, KeyFromURI(key))
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete artifact %s: %w", key, ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
