package chat

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(newTestStore(t), slog.New(slog.DiscardHandler))
}

func TestStreamID_Deterministic(t *testing.T) {
	a := StreamID("qq", "group-7", "")
	b := StreamID("qq", "group-7", "")
	if a != b {
		t.Errorf("same coordinates produced different IDs: %q vs %q", a, b)
	}
	if StreamID("qq", "group-7", "") == StreamID("qq", "", "group-7") {
		t.Error("group and user coordinates must not collide")
	}
}

func TestGetOrCreate_ReturnsSameStream(t *testing.T) {
	m := newTestManager(t)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	s1 := m.GetOrCreate("qq", "group-1", "")
	s2 := m.GetOrCreate("qq", "group-1", "")
	if s1 != s2 {
		t.Error("GetOrCreate should return the cached stream")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
}

func TestFlushAndReload(t *testing.T) {
	store := newTestStore(t)
	logger := slog.New(slog.DiscardHandler)

	m := NewManager(store, logger)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := m.GetOrCreate("telegram", "", "user-9")
	m.Touch(st.ID)
	m.Touch(st.ID)

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// A fresh manager over the same store sees the persisted stream.
	m2 := NewManager(store, logger)
	if err := m2.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize (reload): %v", err)
	}
	if m2.Count() != 1 {
		t.Fatalf("reloaded Count = %d, want 1", m2.Count())
	}
	got := m2.GetOrCreate("telegram", "", "user-9")
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
}

func TestFlush_NoDirtyIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on clean cache: %v", err)
	}
}

func TestTouch_MarksDirtyAgain(t *testing.T) {
	m := newTestManager(t)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := m.GetOrCreate("qq", "g", "")
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m.Touch(st.ID)
	if err := m.AutoSave(context.Background()); err != nil {
		t.Fatalf("AutoSave: %v", err)
	}

	streams, err := m.store.LoadStreams()
	if err != nil {
		t.Fatalf("LoadStreams: %v", err)
	}
	if len(streams) != 1 || streams[0].MessageCount != 1 {
		t.Errorf("persisted streams = %+v, want one with count 1", streams)
	}
}
