// Package emoji maintains the catalog of emoji images the bot can send.
// Initialize loads the catalog; PeriodicCheck is a persistent service
// that keeps the catalog in sync with the image directory.
package emoji

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// imageExts are the file extensions treated as emoji images.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Emoji is one catalog entry.
type Emoji struct {
	Hash         string
	Path         string
	Description  string
	UsageCount   int64
	RegisteredAt time.Time
}

// Manager owns the emoji catalog.
type Manager struct {
	logger        *slog.Logger
	dir           string
	checkInterval time.Duration
	maxCount      int

	db *sql.DB

	mu          sync.Mutex
	initialized bool
	count       int
}

// NewManager creates an emoji manager over the given database handle.
// dir may be empty, in which case scans are skipped.
func NewManager(db *sql.DB, dir string, checkInterval time.Duration, maxCount int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:        logger,
		dir:           dir,
		checkInterval: checkInterval,
		maxCount:      maxCount,
		db:            db,
	}
}

// OpenDB opens (and migrates) an emoji catalog database.
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open emoji database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the emoji schema if missing.
func Migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS emojis (
		hash TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		usage_count INTEGER NOT NULL DEFAULT 0,
		registered_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate emoji schema: %w", err)
	}
	return nil
}

// Initialize loads the catalog and performs the first directory scan.
// Part of the concurrent bootstrap batch.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.scan(ctx); err != nil {
		return fmt.Errorf("initialize emoji manager: %w", err)
	}

	m.mu.Lock()
	m.initialized = true
	count := m.count
	m.mu.Unlock()

	m.logger.Info("emoji manager initialized", "emojis", count, "dir", m.dir)
	return nil
}

// Initialized reports whether Initialize has completed.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Count returns the current catalog size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// RecordUsage bumps an emoji's usage counter.
func (m *Manager) RecordUsage(hash string) error {
	_, err := m.db.Exec(`UPDATE emojis SET usage_count = usage_count + 1 WHERE hash = ?`, hash)
	return err
}

// PeriodicCheck is a persistent service: it re-scans the image
// directory on the configured interval until ctx is cancelled, evicting
// entries whose files vanished and enforcing the max-count policy.
// Returns nil on cancellation.
func (m *Manager) PeriodicCheck(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				// Scan failures are not fatal to the service; the next
				// tick retries.
				m.logger.Error("emoji periodic check failed", "error", err)
			}
		}
	}
}

// scan reconciles the catalog with the directory contents.
func (m *Manager) scan(ctx context.Context) error {
	known, err := m.loadHashes()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(known))
	var added int

	if m.dir != "" {
		entries, err := os.ReadDir(m.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read emoji dir: %w", err)
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}

			path := filepath.Join(m.dir, e.Name())
			hash, err := hashFile(path)
			if err != nil {
				m.logger.Warn("emoji unreadable, skipped", "path", path, "error", err)
				continue
			}
			seen[hash] = true

			if known[hash] {
				continue
			}
			if m.maxCount > 0 && len(known)+added >= m.maxCount {
				m.logger.Debug("emoji catalog full, skipping", "path", path, "max", m.maxCount)
				continue
			}

			_, err = m.db.Exec(`
				INSERT INTO emojis (hash, path, description, registered_at)
				VALUES (?, ?, '', ?)
				ON CONFLICT(hash) DO NOTHING
			`, hash, path, time.Now().UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("register emoji %s: %w", path, err)
			}
			added++
		}
	}

	// Evict catalog entries whose files are gone.
	var evicted int
	for hash := range known {
		if !seen[hash] {
			if _, err := m.db.Exec(`DELETE FROM emojis WHERE hash = ?`, hash); err != nil {
				return fmt.Errorf("evict emoji %s: %w", hash, err)
			}
			evicted++
		}
	}

	m.mu.Lock()
	m.count = len(known) + added - evicted
	m.mu.Unlock()

	if added > 0 || evicted > 0 {
		m.logger.Info("emoji catalog updated", "added", added, "evicted", evicted)
	}
	return nil
}

func (m *Manager) loadHashes() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT hash FROM emojis`)
	if err != nil {
		return nil, fmt.Errorf("load emoji hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
