package knowledge

import (
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "knowledge_test.db")
	s, err := NewStore(dbPath, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndSearch(t *testing.T) {
	s := newTestStore(t)

	frags := []*Fragment{
		{Source: "doc1", Section: "Birds", Content: "The wren is a small brown songbird."},
		{Source: "doc1", Section: "Birds", Content: "Corvids are highly intelligent."},
		{Source: "doc2", Section: "Food", Content: "Sunflower seeds attract many species."},
	}
	for _, f := range frags {
		if err := s.Add(f); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.Search("wren", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Search returned %d fragments, want 1", len(got))
	}
	if got[0].Section != "Birds" {
		t.Errorf("Section = %q, want Birds", got[0].Section)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Search("   ", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if s.ftsEnabled && len(got) != 0 {
		t.Errorf("empty query returned %d fragments", len(got))
	}
}

func TestDeleteBySource(t *testing.T) {
	s := newTestStore(t)

	s.Add(&Fragment{Source: "keep", Content: "kept fragment"})
	s.Add(&Fragment{Source: "drop", Content: "dropped fragment"})
	s.Add(&Fragment{Source: "drop", Content: "another dropped fragment"})

	if err := s.DeleteBySource("drop"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}
