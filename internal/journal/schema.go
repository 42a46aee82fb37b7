package journal

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema step
type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "001",
		sql: `
			CREATE TABLE IF NOT EXISTS connection_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				connection_id TEXT NOT NULL,
				event TEXT NOT NULL CHECK (event IN ('opened', 'closed')),
				remote_addr TEXT NOT NULL,
				user_agent TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				messages_sent INTEGER NOT NULL DEFAULT 0,
				messages_received INTEGER NOT NULL DEFAULT 0,
				topics TEXT NOT NULL DEFAULT '[]',
				occurred_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_connection_events_connection ON connection_events(connection_id);
			CREATE INDEX IF NOT EXISTS idx_connection_events_time ON connection_events(occurred_at);
		`,
	},
	{
		version: "002",
		sql: `
			CREATE TABLE IF NOT EXISTS metrics_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				taken_at DATETIME NOT NULL,
				total_connections INTEGER NOT NULL,
				active_connections INTEGER NOT NULL,
				messages_sent INTEGER NOT NULL,
				messages_received INTEGER NOT NULL,
				errors INTEGER NOT NULL,
				rejected_handshakes INTEGER NOT NULL,
				active_topics INTEGER NOT NULL,
				rate_limit_windows INTEGER NOT NULL,
				memory_mb REAL NOT NULL DEFAULT 0,
				cpu_percent REAL NOT NULL DEFAULT 0,
				topic_sizes TEXT NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_time ON metrics_snapshots(taken_at);
		`,
	},
}

// migrate applies pending migrations in version order, each in its own transaction
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

// tableExists reports whether a table is present
func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
