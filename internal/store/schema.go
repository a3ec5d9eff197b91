package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS areas (
    idx INTEGER PRIMARY KEY,
    cortical_id TEXT NOT NULL UNIQUE,  -- base64
    ledger_window INTEGER NOT NULL DEFAULT 0,
    psp_uniform INTEGER NOT NULL DEFAULT 0,
    mp_driven INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS neurons (
    id INTEGER PRIMARY KEY,
    area INTEGER NOT NULL REFERENCES areas(idx) ON DELETE CASCADE,
    x INTEGER NOT NULL,
    y INTEGER NOT NULL,
    z INTEGER NOT NULL,
    threshold REAL NOT NULL,
    threshold_limit REAL NOT NULL,
    leak REAL NOT NULL,
    rest REAL NOT NULL,
    refractory_period INTEGER NOT NULL,
    excitability REAL NOT NULL,
    consecutive_fire_limit INTEGER NOT NULL,
    snooze_period INTEGER NOT NULL,
    mp_charge_accumulation INTEGER NOT NULL,
    type INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_neurons_area ON neurons(area);

CREATE TABLE IF NOT EXISTS synapses (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,  -- preserves insertion order
    source INTEGER NOT NULL REFERENCES neurons(id) ON DELETE CASCADE,
    target INTEGER NOT NULL REFERENCES neurons(id) ON DELETE CASCADE,
    weight INTEGER NOT NULL,
    psp INTEGER NOT NULL,
    type INTEGER NOT NULL,
    UNIQUE (source, target)
);

CREATE TABLE IF NOT EXISTS plasticity (
    source_area INTEGER NOT NULL,
    dest_area INTEGER NOT NULL,
    mapping TEXT NOT NULL,  -- JSON
    PRIMARY KEY (source_area, dest_area)
);

CREATE TABLE IF NOT EXISTS memory_areas (
    area INTEGER PRIMARY KEY,
    config TEXT NOT NULL  -- JSON
);

CREATE TABLE IF NOT EXISTS burst_stats (
    timestep INTEGER PRIMARY KEY,
    injected INTEGER NOT NULL,
    processed INTEGER NOT NULL,
    fired INTEGER NOT NULL,
    refractory INTEGER NOT NULL,
    synapses_visited INTEGER NOT NULL,
    created INTEGER NOT NULL,
    potentiated INTEGER NOT NULL,
    depressed INTEGER NOT NULL,
    dynamics_ns INTEGER NOT NULL,
    propagation_ns INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL,
    backend TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);
`

// InitSchema creates the schema on a new database, or validates and
// migrates an existing one.
func InitSchema(ctx context.Context, db *sql.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	if currentVersion > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", currentVersion, SchemaVersion)
	}
	return nil
}

// getSchemaVersion fails when the schema_version table does not exist.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check and foreign_key_check.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, rowid, parent, fkid sql.NullString
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%s parent=%s", table.String, rowid.String, parent.String))
	}
	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}
	return nil
}
