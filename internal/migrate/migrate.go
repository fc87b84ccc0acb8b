// Package migrate applies versioned schema migrations to the bot
// database on startup. Each migration runs in its own transaction:
// either fully applied and recorded, or rolled back. Safe to call on
// every boot; applied versions are skipped.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one schema change. Apply runs inside a transaction that
// also records the version, so a failure leaves no trace of the
// migration.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// Runner applies a migration set to one database.
type Runner struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewRunner creates a runner for the given database and migration set.
// Migrations must be ordered by ascending version.
func NewRunner(db *sql.DB, migrations []Migration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, logger: logger, migrations: migrations}
}

// CheckAndRun applies all pending migrations. The last blocking step of
// bootstrap: any failure here is fatal to startup.
func (r *Runner) CheckAndRun(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}

	var ran int
	for _, m := range r.migrations {
		if applied[m.Version] {
			continue
		}
		if err := r.applyOne(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		ran++
	}

	if ran > 0 {
		r.logger.Info("migrations applied", "count", ran)
	} else {
		r.logger.Debug("no pending migrations")
	}
	return nil
}

// Pending returns the number of migrations that would run.
func (r *Runner) Pending(ctx context.Context) (int, error) {
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, m := range r.migrations {
		if !applied[m.Version] {
			n++
		}
	}
	return n, nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		// Table may not exist yet when Pending is called before CheckAndRun.
		return map[int]bool{}, nil
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// applyOne runs a single migration and its version record in one
// transaction.
func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := m.Apply(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)
	`, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("migration applied", "version", m.Version, "name", m.Name)
	return nil
}

// BotMigrations is the migration set for the bot database (chat
// streams and related tables).
func BotMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "streams_nickname",
			Apply: func(ctx context.Context, tx *sql.Tx) error {
				if hasColumn(tx, "streams", "nickname") {
					return nil
				}
				_, err := tx.ExecContext(ctx, `ALTER TABLE streams ADD COLUMN nickname TEXT NOT NULL DEFAULT ''`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "streams_muted_flag",
			Apply: func(ctx context.Context, tx *sql.Tx) error {
				if hasColumn(tx, "streams", "muted") {
					return nil
				}
				_, err := tx.ExecContext(ctx, `ALTER TABLE streams ADD COLUMN muted INTEGER NOT NULL DEFAULT 0`)
				return err
			},
		},
	}
}

// hasColumn probes table_info for a column, so re-running an old
// migration against an already-upgraded table stays a no-op.
func hasColumn(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
