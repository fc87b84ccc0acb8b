package emoji

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "emoji_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestOpenDB_MigratesSchema(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "emoji.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	// The handle must be usable without a separate Migrate call.
	if _, err := db.Exec(
		`INSERT INTO emojis (hash, path, registered_at) VALUES ('h', 'p', '2026-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("schema missing after OpenDB: %v", err)
	}
}

func writeEmoji(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestInitialize_RegistersImages(t *testing.T) {
	dir := t.TempDir()
	writeEmoji(t, dir, "happy.png", "png-bytes-1")
	writeEmoji(t, dir, "sad.gif", "gif-bytes-2")
	writeEmoji(t, dir, "notes.txt", "not an image")

	m := NewManager(newTestDB(t), dir, time.Minute, 0, slog.New(slog.DiscardHandler))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !m.Initialized() {
		t.Error("Initialized should report true")
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2 (txt file ignored)", m.Count())
	}
}

func TestInitialize_EmptyDirIsFine(t *testing.T) {
	m := NewManager(newTestDB(t), "", time.Minute, 0, slog.New(slog.DiscardHandler))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize with no dir: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestScan_EvictsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	p := writeEmoji(t, dir, "gone.png", "png-bytes")

	m := NewManager(newTestDB(t), dir, time.Minute, 0, slog.New(slog.DiscardHandler))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	os.Remove(p)
	if err := m.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count after eviction = %d, want 0", m.Count())
	}
}

func TestScan_HonorsMaxCount(t *testing.T) {
	dir := t.TempDir()
	writeEmoji(t, dir, "a.png", "bytes-a")
	writeEmoji(t, dir, "b.png", "bytes-b")
	writeEmoji(t, dir, "c.png", "bytes-c")

	m := NewManager(newTestDB(t), dir, time.Minute, 2, slog.New(slog.DiscardHandler))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want capped at 2", m.Count())
	}
}

func TestPeriodicCheck_StopsOnCancel(t *testing.T) {
	m := NewManager(newTestDB(t), "", 10*time.Millisecond, 0, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.PeriodicCheck(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("PeriodicCheck returned %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PeriodicCheck did not stop after cancel")
	}
}
