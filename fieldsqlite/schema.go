// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"text/template"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the SQLite database at path with the pragmas the
// store expects. The pool is limited to one connection so that writers never
// race each other for the database lock.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return db, nil
}

type recordTableData struct {
	Table string
}

// One table per entity kind. Payload is the JSON object of the typed entity.
const recordTableTemplate = `CREATE TABLE IF NOT EXISTS {{.Table}} (
	id          TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending','synced','conflict'))
);
CREATE INDEX IF NOT EXISTS idx_{{.Table}}_status ON {{.Table}}(sync_status, updated_at);`

var recordTableTmpl = template.Must(template.New("record_table").Parse(recordTableTemplate))

var metaTables = []string{
	// Outbox of local mutations, coalesced to one open entry per record.
	`CREATE TABLE IF NOT EXISTS _sync_outbox (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name        TEXT NOT NULL,
		record_id         TEXT NOT NULL,
		action            TEXT NOT NULL CHECK (action IN ('create','update','delete')),
		payload           TEXT,              -- NULL for delete
		mutation_id       TEXT NOT NULL,
		base_version      INTEGER NOT NULL DEFAULT 0,
		record_updated_at INTEGER NOT NULL,
		state             TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','failed','conflict','synced','discarded')),
		synced            INTEGER NOT NULL DEFAULT 0,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		first_sent_at     INTEGER,           -- set once the entry has been put on the wire
		last_attempt      INTEGER,
		error             TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL,
		synced_at         INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_outbox_open
		ON _sync_outbox(table_name, record_id) WHERE synced = 0 AND state != 'discarded'`,
	`CREATE INDEX IF NOT EXISTS idx_sync_outbox_state ON _sync_outbox(state, id)`,

	// Last known-synced snapshot per record.
	`CREATE TABLE IF NOT EXISTS _sync_row_meta (
		table_name     TEXT NOT NULL,
		record_id      TEXT NOT NULL,
		base_payload   TEXT,
		remote_version INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0,
		synced_at      INTEGER NOT NULL,
		PRIMARY KEY (table_name, record_id)
	)`,

	`CREATE TABLE IF NOT EXISTS _sync_conflicts (
		id                TEXT PRIMARY KEY,
		table_name        TEXT NOT NULL,
		record_id         TEXT NOT NULL,
		entry_id          INTEGER NOT NULL,
		local_data        TEXT,
		remote_data       TEXT,
		remote_version    INTEGER NOT NULL DEFAULT 0,
		remote_deleted    INTEGER NOT NULL DEFAULT 0,
		remote_updated_at INTEGER NOT NULL DEFAULT 0,
		resolution        TEXT NOT NULL DEFAULT 'manual',
		detected_at       INTEGER NOT NULL,
		resolved_at       INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_open ON _sync_conflicts(resolved_at, detected_at)`,
}

// initializeSchema creates the record tables for every kind and the sync
// metadata tables. It is safe to call on an existing database.
func initializeSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range metaTables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync tables: %w", err)
		}
	}
	for _, kind := range fieldsync.Kinds {
		var buf bytes.Buffer
		if err := recordTableTmpl.Execute(&buf, recordTableData{Table: kind.String()}); err != nil {
			return fmt.Errorf("failed to render table DDL for %s: %w", kind, err)
		}
		if _, err := db.ExecContext(ctx, buf.String()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", kind, err)
		}
	}
	return nil
}
