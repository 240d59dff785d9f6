package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE operations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					command TEXT NOT NULL,
					mode TEXT NOT NULL DEFAULT '',
					detail TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT '',
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);

				CREATE INDEX idx_operations_start ON operations(start_time);

				CREATE TABLE backups (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					path TEXT NOT NULL UNIQUE,
					sha256 TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					compression TEXT NOT NULL,
					run_id TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL,
					deleted BOOLEAN DEFAULT 0
				);

				CREATE TABLE releases (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					mode TEXT NOT NULL,
					image TEXT NOT NULL,
					tag TEXT NOT NULL,
					previous_tag TEXT NOT NULL DEFAULT '',
					run_id TEXT NOT NULL DEFAULT '',
					applied_at DATETIME NOT NULL
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE jobs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL,
					cron_expr TEXT NOT NULL,
					status TEXT DEFAULT 'scheduled',
					last_run DATETIME,
					next_run DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Debug("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
