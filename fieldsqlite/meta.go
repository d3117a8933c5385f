// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/jmoiron/sqlx"
)

// Baseline is the last state of a record both sides agreed on.
type Baseline struct {
	Payload       json.RawMessage // nil when the remote copy is deleted
	RemoteVersion int64
	Deleted       bool
	SyncedAt      time.Time
}

type baselineRow struct {
	BasePayload   sql.NullString `db:"base_payload"`
	RemoteVersion int64          `db:"remote_version"`
	Deleted       bool           `db:"deleted"`
	SyncedAt      int64          `db:"synced_at"`
}

// Baseline returns the last synced snapshot of a record. found is false for
// records that never reached the remote.
func (s *Store) Baseline(ctx context.Context, kind fieldsync.Kind, id string) (Baseline, bool, error) {
	b, found, err := baselineTx(ctx, s.db, kind, id)
	if err != nil {
		return Baseline{}, false, &fieldsync.StorageError{Op: "baseline", Err: err}
	}
	return b, found, nil
}

func baselineTx(ctx context.Context, q sqlx.QueryerContext, kind fieldsync.Kind, id string) (Baseline, bool, error) {
	var row baselineRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT base_payload, remote_version, deleted, synced_at FROM _sync_row_meta WHERE table_name = ? AND record_id = ?`,
		kind.String(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, fmt.Errorf("failed to read baseline of %s/%s: %w", kind, id, err)
	}
	b := Baseline{RemoteVersion: row.RemoteVersion, Deleted: row.Deleted, SyncedAt: fromNanos(row.SyncedAt)}
	if row.BasePayload.Valid {
		b.Payload = json.RawMessage(row.BasePayload.String)
	}
	return b, true, nil
}

func remoteVersionTx(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, id string) (int64, error) {
	b, _, err := baselineTx(ctx, tx, kind, id)
	if err != nil {
		return 0, err
	}
	return b.RemoteVersion, nil
}

func upsertBaselineTx(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, id string, payload json.RawMessage, version int64, deleted bool, at time.Time) error {
	if deleted {
		payload = nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO _sync_row_meta (table_name, record_id, base_payload, remote_version, deleted, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			base_payload = excluded.base_payload,
			remote_version = excluded.remote_version,
			deleted = excluded.deleted,
			synced_at = excluded.synced_at`,
		kind.String(), id, nullString(payload), version, deleted, toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to write baseline of %s/%s: %w", kind, id, err)
	}
	return nil
}

// putRecordTx writes a record as it exists on the remote, bypassing the
// change log. A nil payload removes the local row.
func putRecordTx(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, id string, payload json.RawMessage, status fieldsync.SyncStatus, at time.Time) error {
	if payload == nil {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, kind), id); err != nil {
			return fmt.Errorf("failed to remove %s/%s: %w", kind, id, err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, payload, created_at, updated_at, sync_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status`, kind),
		id, string(payload), toNanos(at), toNanos(at), string(status))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", kind, id, err)
	}
	return nil
}

func setRecordStatusTx(ctx context.Context, tx *sqlx.Tx, kind fieldsync.Kind, id string, status fieldsync.SyncStatus) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, kind), string(status), id); err != nil {
		return fmt.Errorf("failed to set status of %s/%s: %w", kind, id, err)
	}
	return nil
}
