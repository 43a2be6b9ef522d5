package artifact

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "artifacts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_WriteRead(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	uri, err := s.Write(ctx, "research/sess-1", "notes")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if uri != "artifact://research/sess-1" {
		t.Errorf("uri = %q, want artifact://research/sess-1", uri)
	}

	got, err := s.Read(ctx, "research/sess-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != "notes" {
		t.Errorf("Read = %q, want notes", got)
	}

	// Reading by URI works too.
	if got, _ := s.Read(ctx, uri); got != "notes" {
		t.Errorf("Read(uri) = %q, want notes", got)
	}
}

func TestSQLiteStore_Overwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Write(ctx, "design/x", "v1")
	s.Write(ctx, "design/x", "v2")

	e, err := s.Get(ctx, "design/x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.Content != "v2" {
		t.Errorf("Content = %q, want v2", e.Content)
	}
	if e.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.Write(ctx, "", "x"); err == nil {
		t.Error("Write with empty key should fail")
	}
}

func TestSQLiteStore_List(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"content/r1/2", "content/r1/1", "content/r2/1", "review/s"} {
		if _, err := s.Write(ctx, k, k); err != nil {
			t.Fatalf("Write(%s) failed: %v", k, err)
		}
	}

	keys, err := s.List(ctx, "content/r1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "content/r1/1" || keys[1] != "content/r1/2" {
		t.Errorf("List = %v, want [content/r1/1 content/r1/2]", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	m.Write(ctx, "a/1", "one")
	m.Write(ctx, "a/2", "two")
	m.Write(ctx, "b/1", "three")

	if got, _ := m.Read(ctx, URI("a/2")); got != "two" {
		t.Errorf("Read = %q, want two", got)
	}
	if _, err := m.Read(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want ErrNotFound", err)
	}
	keys, _ := m.List(ctx, "a/")
	if len(keys) != 2 {
		t.Errorf("List = %v, want 2 keys", keys)
	}

	if err := m.Delete(ctx, URI("a/1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := m.Delete(ctx, "a/1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	keys, _ = m.List(ctx, "a/")
	if len(keys) != 1 || keys[0] != "a/2" {
		t.Errorf("List after Delete = %v, want [a/2]", keys)
	}
}
