package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in the
// schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "outcomes table",
		SQL: `
		CREATE TABLE IF NOT EXISTS outcomes (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			relay_id      TEXT NOT NULL,
			message_id    TEXT NOT NULL,
			channel_id    TEXT NOT NULL,
			author_id     TEXT,
			status        TEXT NOT NULL,
			stage         TEXT,
			files_sent    INTEGER DEFAULT 0,
			files_dropped INTEGER DEFAULT 0,
			elapsed_ms    INTEGER DEFAULT 0,
			error         TEXT,
			created_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_time ON outcomes(created_at);
		`,
	},
	{
		Version:     2,
		Description: "lookup indexes for message and status",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_outcomes_message ON outcomes(message_id);
		CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status, created_at);
		`,
	},
}

// runMigrations applies every migration newer than the recorded version.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Info("journal migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
