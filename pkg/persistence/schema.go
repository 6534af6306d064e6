package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 2

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		last_turn_id TEXT NOT NULL DEFAULT '',
		last_structural_turn_id TEXT NOT NULL DEFAULT '',
		concierge TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		user_turn_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		pipeline_status TEXT NOT NULL DEFAULT '',
		provider_contexts TEXT NOT NULL DEFAULT '{}',
		artifact TEXT,
		analysis TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

	CREATE TABLE IF NOT EXISTS responses (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		type TEXT NOT NULL,
		response_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		prompt_fingerprint TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (turn_id) REFERENCES turns(id)
	);
	CREATE INDEX IF NOT EXISTS idx_responses_turn ON responses(turn_id, response_index);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("no migration defined for version %d", version)
	}
}

// migrateToVersion2 adds the frozen-prompt fingerprint column used for
// deterministic recompute verification.
func migrateToVersion2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE responses ADD COLUMN prompt_fingerprint TEXT NOT NULL DEFAULT ''`)
	if err != nil {
		return fmt.Errorf("failed to add prompt_fingerprint column: %w", err)
	}
	return nil
}
