// Package chat manages chat streams: the per-conversation context the
// message pipeline operates on. Streams are cached in memory and
// persisted to SQLite by a periodic auto-save task.
package chat

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles chat stream persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a chat store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the migration runner can operate
// on the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_active TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_streams_platform ON streams(platform);
	CREATE INDEX IF NOT EXISTS idx_streams_last_active ON streams(last_active);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveStream inserts or updates one stream row.
func (s *Store) SaveStream(st *Stream) error {
	_, err := s.db.Exec(`
		INSERT INTO streams (id, platform, group_id, user_id, message_count, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_count = excluded.message_count,
			last_active = excluded.last_active
	`,
		st.ID, st.Platform, st.GroupID, st.UserID, st.MessageCount,
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
		st.LastActive.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save stream %s: %w", st.ID, err)
	}
	return nil
}

// LoadStreams returns all persisted streams.
func (s *Store) LoadStreams() ([]*Stream, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, group_id, user_id, message_count, created_at, last_active
		FROM streams
	`)
	if err != nil {
		return nil, fmt.Errorf("load streams: %w", err)
	}
	defer rows.Close()

	var out []*Stream
	for rows.Next() {
		var st Stream
		var created, active string
		if err := rows.Scan(&st.ID, &st.Platform, &st.GroupID, &st.UserID, &st.MessageCount, &created, &active); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		st.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		st.LastActive, _ = time.Parse(time.RFC3339Nano, active)
		out = append(out, &st)
	}
	return out, rows.Err()
}
