package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: devices, sealed_events, checkpoints",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add break-glass policy, requests, approvals, receipts",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add conformance_alarms table",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS devices (
    device_id       BLOB PRIMARY KEY,
    created_at      INTEGER NOT NULL,
    signing_pubkey  BLOB NOT NULL,
    hostname        TEXT
);

-- The sealed event log. Append-only: no UPDATE statement targets this
-- table, and the only DELETE is retention pruning of checkpointed events
-- (DeleteSealedEventsBefore). seq is the chain's total order.
CREATE TABLE IF NOT EXISTS sealed_events (
    seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id           BLOB NOT NULL REFERENCES devices(device_id),
    event_type          TEXT NOT NULL,
    zone                TEXT NOT NULL,
    canonical_payload   BLOB NOT NULL,
    payload_hash        BLOB NOT NULL,
    ruleset_hash        BLOB NOT NULL,
    prev_hash           BLOB NOT NULL,
    entry_hash          BLOB NOT NULL UNIQUE,
    signature           BLOB NOT NULL,
    correlation_token   BLOB,
    created_at_ns       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sealed_events_zone ON sealed_events(zone, created_at_ns);
CREATE INDEX IF NOT EXISTS idx_sealed_events_type ON sealed_events(event_type);
CREATE INDEX IF NOT EXISTS idx_sealed_events_ruleset ON sealed_events(ruleset_hash);

-- Checkpoints summarize the chain every N events or M buckets so a verifier
-- can confirm a prefix of the log without replaying it entry by entry.
CREATE TABLE IF NOT EXISTS checkpoints (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    covers_through_seq      INTEGER NOT NULL,
    covers_through_hash     BLOB NOT NULL,
    mmr_root                BLOB NOT NULL,
    signature               BLOB NOT NULL,
    created_at_ns           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_seq ON checkpoints(covers_through_seq);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_checkpoints_seq;
DROP TABLE IF EXISTS checkpoints;
DROP INDEX IF EXISTS idx_sealed_events_ruleset;
DROP INDEX IF EXISTS idx_sealed_events_type;
DROP INDEX IF EXISTS idx_sealed_events_zone;
DROP TABLE IF EXISTS sealed_events;
DROP TABLE IF EXISTS devices;
`

const migrationV2Up = `
-- Active break-glass policy. Versioned: a policy change never rewrites
-- history, it appends a new version and old receipts still reference the
-- version active when they were issued.
CREATE TABLE IF NOT EXISTS policies (
    version         INTEGER PRIMARY KEY,
    threshold       INTEGER NOT NULL,
    total_of_m      INTEGER NOT NULL,
    trustee_ids     TEXT NOT NULL,
    trustee_keys    TEXT NOT NULL,
    vault_crypto_mode TEXT NOT NULL DEFAULT 'classical',
    created_at_ns   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS break_glass_requests (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    envelope_id     TEXT NOT NULL,
    requested_by    TEXT NOT NULL,
    justification   TEXT NOT NULL,
    policy_version  INTEGER NOT NULL REFERENCES policies(version),
    request_hash    BLOB,
    ruleset_hash    BLOB,
    bucket          TEXT,
    created_at_ns   INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    consumed_at_ns  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bg_requests_envelope ON break_glass_requests(envelope_id);
CREATE INDEX IF NOT EXISTS idx_bg_requests_status ON break_glass_requests(status);

CREATE TABLE IF NOT EXISTS break_glass_approvals (
    request_id      INTEGER NOT NULL REFERENCES break_glass_requests(id),
    trustee_id      TEXT NOT NULL,
    signature       BLOB NOT NULL,
    created_at_ns   INTEGER NOT NULL,
    PRIMARY KEY (request_id, trustee_id)
);

CREATE TABLE IF NOT EXISTS break_glass_receipts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id      INTEGER NOT NULL REFERENCES break_glass_requests(id),
    prev_hash       BLOB NOT NULL,
    receipt_hash    BLOB NOT NULL UNIQUE,
    signature       BLOB NOT NULL,
    created_at_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bg_receipts_request ON break_glass_receipts(request_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_bg_receipts_request;
DROP TABLE IF EXISTS break_glass_receipts;
DROP TABLE IF EXISTS break_glass_approvals;
DROP INDEX IF EXISTS idx_bg_requests_status;
DROP INDEX IF EXISTS idx_bg_requests_envelope;
DROP TABLE IF EXISTS break_glass_requests;
DROP TABLE IF EXISTS policies;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS conformance_alarms (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    category        TEXT NOT NULL,
    detail          TEXT,
    created_at_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alarms_category ON conformance_alarms(category);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_alarms_category;
DROP TABLE IF EXISTS conformance_alarms;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"devices",
		"sealed_events",
		"checkpoints",
		"policies",
		"break_glass_requests",
		"break_glass_approvals",
		"break_glass_receipts",
		"conformance_alarms",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
