package store

import (
	"database/sql"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"codeberg.org/mutker/perfcollect/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       run_id        TEXT PRIMARY KEY,
	       name          TEXT NOT NULL,
	       started_at    INTEGER NOT NULL CHECK (typeof(started_at) = 'integer'),
	       finished_at   INTEGER NOT NULL CHECK (typeof(finished_at) = 'integer'),
	       run_count     INTEGER NOT NULL CHECK (run_count >= 0),
	       failure_count INTEGER NOT NULL CHECK (failure_count >= 0)
	   );
	   CREATE TABLE IF NOT EXISTS records (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       run_id      TEXT NOT NULL,
	       scope       TEXT NOT NULL CHECK (scope IN ('run', 'test')),
	       test        TEXT NOT NULL,
	       key         TEXT NOT NULL,
	       value       TEXT NOT NULL,
	       recorded_at INTEGER NOT NULL CHECK (typeof(recorded_at) = 'integer')
	   );
	   CREATE INDEX IF NOT EXISTS records_run_id ON records (run_id);`

	insertRecordSQL = `
    INSERT INTO records (
        run_id, scope, test, key, value, recorded_at
    ) VALUES (?, ?, ?, ?, ?, ?)`

	insertRunSQL = `
    INSERT OR REPLACE INTO runs (
        run_id, name, started_at, finished_at, run_count, failure_count
    ) VALUES (?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
    SELECT run_id, scope, test, key, value, recorded_at
    FROM records
    WHERE run_id = ?
    ORDER BY id`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	log.Debug().Str("sql", createTablesSQL).Msg("Executing SQL statement")
	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
