// Package stats provides persistent runtime statistics: online-time
// tracking, message counters, and the periodic HTML report. Records are
// append-only; aggregation happens at read time.
package stats

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Summary holds the aggregates the report and control server expose.
type Summary struct {
	OnlineSeconds   int64     `json:"online_seconds"`
	MessagesHandled int64     `json:"messages_handled"`
	RepliesSent     int64     `json:"replies_sent"`
	FirstSeen       time.Time `json:"first_seen,omitzero"`
	LastMarker      time.Time `json:"last_marker,omitzero"`
}

// Store is an append-only SQLite store for runtime statistics. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB

	// Session counters, flushed into counter rows by the recorder task.
	messages atomic.Int64
	replies  atomic.Int64
}

// NewStore creates a stats store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate stats schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS online_markers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		marked_at TEXT NOT NULL,
		interval_sec INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_online_markers_at ON online_markers(marked_at);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NoteMessage records one handled inbound message.
func (s *Store) NoteMessage() { s.messages.Add(1) }

// NoteReply records one reply sent back to an adapter.
func (s *Store) NoteReply() { s.replies.Add(1) }

// MarkOnline appends an online-time marker covering intervalSec seconds
// and flushes the in-memory counters. Called by the recorder task.
func (s *Store) MarkOnline(intervalSec int) error {
	_, err := s.db.Exec(`
		INSERT INTO online_markers (marked_at, interval_sec) VALUES (?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), intervalSec)
	if err != nil {
		return fmt.Errorf("mark online: %w", err)
	}

	if err := s.bumpCounter("messages_handled", s.messages.Swap(0)); err != nil {
		return err
	}
	if err := s.bumpCounter("replies_sent", s.replies.Swap(0)); err != nil {
		return err
	}
	return nil
}

func (s *Store) bumpCounter(name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value
	`, name, delta)
	if err != nil {
		return fmt.Errorf("bump counter %s: %w", name, err)
	}
	return nil
}

// Summarize aggregates the persisted statistics. In-memory counts not
// yet flushed by the recorder are included.
func (s *Store) Summarize() (*Summary, error) {
	sum := &Summary{
		MessagesHandled: s.messages.Load(),
		RepliesSent:     s.replies.Load(),
	}

	var seconds sql.NullInt64
	var first, last sql.NullString
	err := s.db.QueryRow(`
		SELECT SUM(interval_sec), MIN(marked_at), MAX(marked_at) FROM online_markers
	`).Scan(&seconds, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("summarize online time: %w", err)
	}
	sum.OnlineSeconds = seconds.Int64
	if first.Valid {
		sum.FirstSeen, _ = time.Parse(time.RFC3339Nano, first.String)
	}
	if last.Valid {
		sum.LastMarker, _ = time.Parse(time.RFC3339Nano, last.String)
	}

	rows, err := s.db.Query(`SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("summarize counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		switch name {
		case "messages_handled":
			sum.MessagesHandled += value
		case "replies_sent":
			sum.RepliesSent += value
		}
	}
	return sum, rows.Err()
}
