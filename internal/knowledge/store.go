// Package knowledge is the bot's long-term document store. Documents
// are split into fragments and indexed for full-text retrieval; the
// retrieval ranking itself is deliberately plain (FTS rank or LIKE).
package knowledge

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fragment is one indexed unit of a document.
type Fragment struct {
	ID        string
	Source    string // document the fragment came from
	Section   string // heading path within the document
	Content   string
	CreatedAt time.Time
}

// Store manages fragment persistence and search.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	ftsEnabled bool
}

// NewStore opens (and migrates) a knowledge store at the given path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open knowledge database: %w", err)
	}
	return NewStoreWithDB(db, logger)
}

// NewStoreWithDB creates a knowledge store over an existing connection.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate knowledge schema: %w", err)
	}
	s.tryEnableFTS()
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		section TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_source ON fragments(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// tryEnableFTS creates the FTS5 virtual table for full-text search.
// Falls back to LIKE-based search when FTS5 is not available.
func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS fragments_fts USING fts5(
			section,
			content,
			content=fragments,
			content_rowid=rowid
		)
	`)
	if err != nil {
		s.logger.Warn("FTS5 not available for knowledge, using LIKE fallback", "error", err)
		return
	}
	s.ftsEnabled = true

	_, err = s.db.Exec(`INSERT INTO fragments_fts(fragments_fts) VALUES('rebuild')`)
	if err != nil {
		s.logger.Warn("failed to rebuild knowledge FTS index", "error", err)
		s.ftsEnabled = false
	}
}

// Add stores one fragment.
func (s *Store) Add(f *Fragment) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO fragments (id, source, section, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.ID, f.Source, f.Section, f.Content, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add fragment: %w", err)
	}
	s.rebuildFTS()
	return nil
}

// DeleteBySource removes all fragments imported from a source, enabling
// clean re-imports.
func (s *Store) DeleteBySource(source string) error {
	_, err := s.db.Exec(`DELETE FROM fragments WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("delete fragments from %s: %w", source, err)
	}
	s.rebuildFTS()
	return nil
}

// Count returns the number of stored fragments.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fragments`).Scan(&n)
	return n, err
}

// Search finds fragments matching the query using FTS5 or LIKE fallback.
func (s *Store) Search(query string, limit int) ([]*Fragment, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.ftsEnabled {
		return s.searchFTS(query, limit)
	}
	return s.searchLIKE(query, limit)
}

func (s *Store) searchFTS(query string, limit int) ([]*Fragment, error) {
	sanitized := sanitizeFTS5Query(query)
	if sanitized == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT fragments.id, fragments.source, fragments.section, fragments.content, fragments.created_at
		FROM fragments_fts
		JOIN fragments ON fragments_fts.rowid = fragments.rowid
		WHERE fragments_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, sanitized, limit)
	if err != nil {
		s.logger.Warn("FTS5 search failed, falling back to LIKE", "error", err, "query", query)
		return s.searchLIKE(query, limit)
	}
	defer rows.Close()

	return scanFragments(rows)
}

func (s *Store) searchLIKE(query string, limit int) ([]*Fragment, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, source, section, content, created_at
		FROM fragments
		WHERE content LIKE ? OR section LIKE ?
		ORDER BY created_at DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

func (s *Store) rebuildFTS() {
	if !s.ftsEnabled {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO fragments_fts(fragments_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild knowledge FTS index", "error", err)
	}
}

func scanFragments(rows *sql.Rows) ([]*Fragment, error) {
	var out []*Fragment
	for rows.Next() {
		var f Fragment
		var created string
		if err := rows.Scan(&f.ID, &f.Source, &f.Section, &f.Content, &created); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}
